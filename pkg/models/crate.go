// Package models defines the wire and storage types shared across
// craterd's components: crates, toolchains, modes, and test results.
package models

import (
	"fmt"
)

// Crate is a tagged variant identifying a unit under test: either a
// published registry artifact or a Git repository pinned (optionally) at a
// commit. Two crates compare equal iff all fields match.
type Crate struct {
	Registry *RegistryCrate `json:"registry,omitempty"`
	GitHub   *GitHubCrate   `json:"github,omitempty"`
}

// RegistryCrate identifies a crates.io-style published artifact.
type RegistryCrate struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// GitHubCrate identifies a GitHub repository, optionally pinned to a sha.
type GitHubCrate struct {
	Org  string `json:"org"`
	Name string `json:"name"`
	Sha  string `json:"sha,omitempty"`
}

// Key returns the deterministic storage key used for ExperimentCrate,
// Result, and report artifact paths: "reg:<name>-<version>" or
// "gh:<org>/<name>@<sha>" (sha may be empty before it is captured).
func (c Crate) Key() string {
	switch {
	case c.Registry != nil:
		return fmt.Sprintf("reg:%s-%s", c.Registry.Name, c.Registry.Version)
	case c.GitHub != nil:
		return fmt.Sprintf("gh:%s/%s@%s", c.GitHub.Org, c.GitHub.Name, c.GitHub.Sha)
	default:
		return ""
	}
}

// PathFragment returns the artifact directory fragment for this crate, per
// the report generator's log layout: reg/<name>-<version> or
// gh/<org>.<name>.
func (c Crate) PathFragment() string {
	switch {
	case c.Registry != nil:
		return fmt.Sprintf("reg/%s-%s", c.Registry.Name, c.Registry.Version)
	case c.GitHub != nil:
		return fmt.Sprintf("gh/%s.%s", c.GitHub.Org, c.GitHub.Name)
	default:
		return "unknown"
	}
}

// Equal reports whether two crates identify the same unit under test.
func (c Crate) Equal(o Crate) bool {
	return c.Key() == o.Key()
}

// ParseCrateKey reconstructs a Crate from its deterministic storage key.
// It is the inverse of Key for keys produced by this package, except for
// registry versions that contain '-' (such as pre-releases): the key is
// split at its last '-', so such a name and version come back wrong.
func ParseCrateKey(key string) (Crate, error) {
	switch {
	case len(key) > 4 && key[:4] == "reg:":
		rest := key[4:]
		// name-version: version is everything after the last '-'.
		idx := lastIndexByte(rest, '-')
		if idx < 0 {
			return Crate{}, fmt.Errorf("malformed registry crate key %q", key)
		}
		return Crate{Registry: &RegistryCrate{Name: rest[:idx], Version: rest[idx+1:]}}, nil
	case len(key) > 3 && key[:3] == "gh:":
		rest := key[3:]
		slash := lastIndexByte(rest, '/')
		at := lastIndexByte(rest, '@')
		if slash < 0 || at < 0 || at < slash {
			return Crate{}, fmt.Errorf("malformed github crate key %q", key)
		}
		return Crate{GitHub: &GitHubCrate{Org: rest[:slash], Name: rest[slash+1 : at], Sha: rest[at+1:]}}, nil
	default:
		return Crate{}, fmt.Errorf("unrecognized crate key %q", key)
	}
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
