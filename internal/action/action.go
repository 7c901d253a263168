// Package action defines the reversible units of filesystem and metadata
// change a transaction is composed of. Constructing an action never has side
// effects; all effects happen in Execute and are undone by Reverse.
package action

import "path"

// Action is the capability set shared by every variant.
type Action interface {
	// Verify performs pre-flight checks and marks the action verified.
	// Returning nil means the action may be executed.
	Verify() error
	Execute() error
	// Reverse undoes Execute. Called on the rollback path only; must be safe
	// to call whether or not Execute ran to completion.
	Reverse() error
	// Cleanup releases resources (e.g. unlink backups) after the whole
	// transaction succeeded.
	Cleanup() error
	Verified() bool
}

// PathAction is implemented by actions that create exactly one path in the
// target prefix.
type PathAction interface {
	Action
	// TargetShortPath returns the prefix-relative path this action creates,
	// with ok=false for actions that create none (directories, markers).
	TargetShortPath() (string, bool)
}

// MultiPathAction is implemented by actions that create several paths at
// once (bytecode compilation).
type MultiPathAction interface {
	Action
	TargetShortPaths() []string
}

// LinkType selects how a packaged file is materialized in a prefix.
type LinkType int

const (
	LinkTypeHardlink LinkType = iota
	LinkTypeSoftlink
	LinkTypeCopy
	LinkTypeDirectory
)

func (lt LinkType) String() string {
	switch lt {
	case LinkTypeHardlink:
		return "hardlink"
	case LinkTypeSoftlink:
		return "softlink"
	case LinkTypeCopy:
		return "copy"
	case LinkTypeDirectory:
		return "directory"
	}
	return "unknown"
}

// TransactionContext is the per-transaction scratch state shared between the
// planner and the actions it emits.
type TransactionContext struct {
	TargetPythonVersion         string
	TargetSitePackagesShortPath string

	// TempDir is a directory inside the target prefix owned by the
	// transaction; unlink backups live there. Removed when the transaction
	// finishes.
	TempDir string
}

// verifiedFlag provides the idempotent verified bit shared by all variants.
type verifiedFlag struct {
	verified bool
}

func (v *verifiedFlag) Verified() bool { return v.verified }

func (v *verifiedFlag) markVerified() { v.verified = true }

// ExplodeDirectories returns every ancestor directory of the given
// slash-separated relative paths, deduplicated, e.g. "a/b/c.so" contributes
// "a" and "a/b".
func ExplodeDirectories(paths []string) []string {
	seen := make(map[string]bool)
	for _, p := range paths {
		for d := path.Dir(p); d != "." && d != "/"; d = path.Dir(d) {
			seen[d] = true
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	return dirs
}
