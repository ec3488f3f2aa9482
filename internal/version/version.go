// Package version models relative table-version references and their
// resolution against the persisted table-data-version history.
package version

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind tags the variants of a version spec.
type Kind string

const (
	// KindHead references the latest data version as of a point in time.
	KindHead Kind = "head"
	// KindBack references N versions behind HEAD.
	KindBack Kind = "back"
	// KindFixed references an explicit list of data version ids.
	KindFixed Kind = "fixed"
)

// Spec is a relative version reference attached to a graph edge before
// resolution.
type Spec struct {
	Kind  Kind
	Back  int
	Fixed []uuid.UUID
}

// Head returns the HEAD spec.
func Head() Spec {
	return Spec{Kind: KindHead}
}

// HeadBack returns a spec referencing n versions behind HEAD.
func HeadBack(n int) Spec {
	if n <= 0 {
		return Head()
	}
	return Spec{Kind: KindBack, Back: n}
}

// Fixed returns a spec referencing explicit data version ids.
func Fixed(ids ...uuid.UUID) Spec {
	return Spec{Kind: KindFixed, Fixed: ids}
}

// Offset is the distance behind HEAD, zero for HEAD itself.
func (s Spec) Offset() int {
	if s.Kind == KindBack {
		return s.Back
	}
	return 0
}

func (s Spec) String() string {
	switch s.Kind {
	case KindFixed:
		ids := make([]string, len(s.Fixed))
		for i, id := range s.Fixed {
			ids[i] = id.String()
		}
		return strings.Join(ids, ",")
	case KindBack:
		return fmt.Sprintf("HEAD~%d", s.Back)
	default:
		return "HEAD"
	}
}

// Parse reads the textual form of a relative reference: "HEAD",
// "HEAD^" (possibly repeated), "HEAD~N", or a comma-separated list of
// fixed data version ids.
func Parse(ref string) (Spec, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, "HEAD") {
		return Head(), nil
	}

	upper := strings.ToUpper(ref)

	if strings.HasPrefix(upper, "HEAD^") {
		suffix := upper[len("HEAD"):]
		if strings.Trim(suffix, "^") != "" {
			return Spec{}, fmt.Errorf("invalid version reference: %v", ref)
		}
		return HeadBack(len(suffix)), nil
	}

	if strings.HasPrefix(upper, "HEAD~") {
		var n int
		if _, err := fmt.Sscanf(upper, "HEAD~%d", &n); err != nil || n < 0 {
			return Spec{}, fmt.Errorf("invalid version reference: %v", ref)
		}
		return HeadBack(n), nil
	}

	ids := make([]uuid.UUID, 0)
	for _, part := range strings.Split(ref, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return Spec{}, fmt.Errorf("invalid version reference: %v", ref)
		}
		ids = append(ids, id)
	}

	return Fixed(ids...), nil
}

// Resolved is the concrete counterpart of a Spec after resolution:
// zero or more table data version ids. An empty resolution means the
// reference points behind the table's recorded history.
type Resolved struct {
	IDs []uuid.UUID
}

// Absent reports whether the reference resolved to nothing.
func (r Resolved) Absent() bool {
	return len(r.IDs) == 0
}
