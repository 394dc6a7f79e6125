package ctrbuild

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBuildCancelled is returned when an interrupt killed the build
	// subprocess before it finished.
	ErrBuildCancelled = errors.New("build cancelled")

	// ErrDeviceUnreachable is returned when no console answered within the
	// deploy timeout (after one automatic retry).
	ErrDeviceUnreachable = errors.New("no device reachable")
)

// ToolFailedError reports a non-zero exit from an invoked tool. The tool's
// own diagnostics have already been streamed to the console, so this carries
// only the status for the caller's exit code.
type ToolFailedError struct {
	Tool   string
	Status int
}

func (e *ToolFailedError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.Status)
}

// AmbiguousArtifactError lists every candidate when a build produced more
// than one executable and no filter picked one. The caller needs all names
// to choose; we never silently pick.
type AmbiguousArtifactError struct {
	Candidates []string
}

func (e *AmbiguousArtifactError) Error() string {
	return fmt.Sprintf("build produced multiple executables (%s); select one with --bin or --example",
		strings.Join(e.Candidates, ", "))
}

// MalformedArtifactError indicates the compiled ELF does not have the
// segment layout a 3DSX needs. Packaging never repairs this silently.
type MalformedArtifactError struct {
	Path   string
	Reason string
}

func (e *MalformedArtifactError) Error() string {
	return fmt.Sprintf("malformed artifact %s: %s", e.Path, e.Reason)
}
