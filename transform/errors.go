package transform

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStructuralMismatch is returned when a spec cannot be applied cleanly.
	ErrStructuralMismatch = errors.New("structural mismatch")

	// ErrIneffectiveEdit is returned when an edit fired but its marker is not
	// in the output, which would make the patch reapply forever.
	ErrIneffectiveEdit = errors.New("edit does not produce its marker")
)

// MismatchError describes why a spec did not apply. It matches
// ErrStructuralMismatch with errors.Is.
type MismatchError struct {
	SpecID string
	Target string

	// Missing lists edits whose anchor matched no line.
	Missing []string

	// Present and Absent list edits by marker state when the input was
	// partially patched.
	Present []string
	Absent  []string
	Partial bool
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "structural mismatch in %s (spec %s)", e.Target, e.SpecID)
	if e.Partial {
		fmt.Fprintf(&b, ": partially patched, present [%s], absent [%s]",
			strings.Join(e.Present, ", "), strings.Join(e.Absent, ", "))
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": anchors not found for [%s]", strings.Join(e.Missing, ", "))
	}
	return b.String()
}

// Is reports whether target is ErrStructuralMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrStructuralMismatch
}

// IsMismatch returns true if err is a structural mismatch.
func IsMismatch(err error) bool {
	return errors.Is(err, ErrStructuralMismatch)
}
