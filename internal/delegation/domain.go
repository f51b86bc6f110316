// Package delegation substitutes one user's acting identity by another for a
// bounded time window, used by approval and permission callers as a pre-step
// before resolution. It changes who is checked, never how.
package delegation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// Scope names the caller context a delegation applies to.
type Scope string

const (
	// ScopeApproval covers approval routing.
	ScopeApproval Scope = "approval"
	// ScopePermission covers permission checks.
	ScopePermission Scope = "permission"
	// ScopeAll covers every caller context.
	ScopeAll Scope = "all"
)

// ParseScope validates a scope received from the outside.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeApproval, ScopePermission, ScopeAll:
		return Scope(s), nil
	}
	return "", fmt.Errorf("delegation: scope %q %w", s, shared.ErrValidation)
}

// Delegation is one time-bounded substitution window.
type Delegation struct {
	ID          uuid.UUID
	DelegatorID int64
	DelegateID  int64
	Scope       Scope
	StartDate   time.Time
	EndDate     time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// ActiveAt reports whether the window covers asOf, half-open on the end.
func (d Delegation) ActiveAt(asOf time.Time) bool {
	if d.RevokedAt != nil && !asOf.Before(*d.RevokedAt) {
		return false
	}
	return !asOf.Before(d.StartDate) && asOf.Before(d.EndDate)
}

// Overlaps reports whether the window intersects [start, end).
func (d Delegation) Overlaps(start, end time.Time) bool {
	return d.StartDate.Before(end) && start.Before(d.EndDate)
}

// Package errors.
var (
	ErrDelegationNotFound = fmt.Errorf("delegation: %w", shared.ErrNotFound)
	ErrEmptyWindow        = fmt.Errorf("delegation: window %w: end must be after start", shared.ErrValidation)
	ErrSelfDelegation     = fmt.Errorf("delegation: delegate %w: must differ from delegator", shared.ErrValidation)
	ErrOverlappingWindow  = fmt.Errorf("delegation: overlapping window %w", shared.ErrConflict)
)
