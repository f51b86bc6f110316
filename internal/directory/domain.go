// Package directory answers principal membership questions: user identity,
// role assignment and time-bounded organizational structure membership,
// including transitive descendant expansion for structure-scoped grants.
package directory

import (
	"fmt"
	"time"

	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// PrincipalKind tags the three grantable principal types.
type PrincipalKind string

const (
	// PrincipalUser targets a single user.
	PrincipalUser PrincipalKind = "user"
	// PrincipalRole targets every holder of a role.
	PrincipalRole PrincipalKind = "role"
	// PrincipalStructure targets the active members of an org unit.
	PrincipalStructure PrincipalKind = "structure"
)

// ParsePrincipalKind validates a kind received from the outside.
func ParsePrincipalKind(s string) (PrincipalKind, error) {
	switch PrincipalKind(s) {
	case PrincipalUser, PrincipalRole, PrincipalStructure:
		return PrincipalKind(s), nil
	}
	return "", fmt.Errorf("directory: principal kind %q %w", s, shared.ErrValidation)
}

// PrincipalRef identifies a principal by kind and id. Principals are not
// materialized here; they live in the externally owned user/role/org stores.
type PrincipalRef struct {
	Kind PrincipalKind `json:"kind"`
	ID   int64         `json:"id"`
}

// String renders the reference for log output.
func (p PrincipalRef) String() string {
	return fmt.Sprintf("%s/%d", p.Kind, p.ID)
}

// Structure is one org unit in the structure tree.
type Structure struct {
	ID       int64
	ParentID *int64
	Kind     string
	Name     string
}

// StructureMember is a time-bounded membership row. EndDate nil means
// open-ended.
type StructureMember struct {
	UserID      int64
	StructureID int64
	IsPrimary   bool
	StartDate   time.Time
	EndDate     *time.Time
}

// ActiveAt reports whether the membership covers asOf, half-open on the end.
func (m StructureMember) ActiveAt(asOf time.Time) bool {
	if asOf.Before(m.StartDate) {
		return false
	}
	return m.EndDate == nil || asOf.Before(*m.EndDate)
}

// Package errors.
var (
	ErrUserNotFound      = fmt.Errorf("directory: user %w", shared.ErrNotFound)
	ErrStructureNotFound = fmt.Errorf("directory: structure %w", shared.ErrNotFound)
)
