package report

import "io"

// Writer is the abstract artifact sink the generator targets — a local
// directory or a blob store, per spec §4.6: "A concrete writer may target
// a local directory or a blob store; the generator is agnostic."
type Writer interface {
	WriteString(path string, data []byte, mime string) error
	Copy(path string, r io.Reader, mime string) error
}
