package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileWriter writes artifacts under a root directory on local disk. MIME
// type is accepted for interface parity with a future blob-store writer
// but unused here — the filesystem has no content-type metadata.
type FileWriter struct {
	Root string
}

// WriteString implements Writer.
func (w FileWriter) WriteString(path string, data []byte, _ string) error {
	full := filepath.Join(w.Root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Copy implements Writer.
func (w FileWriter) Copy(path string, r io.Reader, _ string) error {
	full := filepath.Join(w.Root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("copy into %s: %w", path, err)
	}
	return nil
}
