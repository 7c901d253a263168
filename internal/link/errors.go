package link

import (
	"fmt"
	"strings"

	conda "github.com/richardjgowers/conda"
)

// MultiError aggregates the errors of a verification pass or a failed
// execution (primary error plus rollback errors).
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:", len(e.Errors))
	for _, err := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *MultiError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// RemoveError signals that the transaction would remove conda, or one of
// conda's dependencies, from the environment conda operates from.
type RemoveError struct {
	Message string
}

func (e *RemoveError) Error() string { return "RemoveError: " + e.Message }

// DisallowedPackageError signals a link prec matching the configured
// disallow list.
type DisallowedPackageError struct {
	Prec *conda.PackageRecord
}

func (e *DisallowedPackageError) Error() string {
	return fmt.Sprintf("package %s is disallowed by configuration", e.Prec.DistStr())
}

// EnvironmentNotWritableError signals a prefix whose conda-meta cannot be
// written.
type EnvironmentNotWritableError struct {
	Prefix string
}

func (e *EnvironmentNotWritableError) Error() string {
	return fmt.Sprintf("the environment location is not writable: %s", e.Prefix)
}

// KnownPackageClobberError signals a link path that already exists in the
// prefix and is owned by another installed package.
type KnownPackageClobberError struct {
	TargetPath        string
	ColliderDistStr   string
	ColliderOwnerDist string
}

func (e *KnownPackageClobberError) Error() string {
	return fmt.Sprintf("the package %s would clobber path %q owned by installed package %s",
		e.ColliderDistStr, e.TargetPath, e.ColliderOwnerDist)
}

// UnknownPackageClobberError signals a link path that already exists in the
// prefix without any installed package claiming it.
type UnknownPackageClobberError struct {
	TargetPath      string
	ColliderDistStr string
}

func (e *UnknownPackageClobberError) Error() string {
	return fmt.Sprintf("the package %s would clobber existing path %q not owned by any package",
		e.ColliderDistStr, e.TargetPath)
}

// SharedLinkPathClobberError signals two or more link actions of the same
// transaction targeting one path.
type SharedLinkPathClobberError struct {
	TargetPath string
	DistStrs   []string
}

func (e *SharedLinkPathClobberError) Error() string {
	return fmt.Sprintf("path %q is claimed by multiple packages in this transaction: %s",
		e.TargetPath, strings.Join(e.DistStrs, ", "))
}

// LinkError signals a failed pre-link or post-link script.
type LinkError struct {
	Message string
}

func (e *LinkError) Error() string { return "LinkError: " + e.Message }

// groupError wraps the primary error of a failed action group together with
// the errors its own best-effort reverse produced.
type groupError struct {
	err         error
	group       *ActionGroup
	reverseErrs []error
}

func (e *groupError) Error() string { return e.err.Error() }

func (e *groupError) Unwrap() error { return e.err }
