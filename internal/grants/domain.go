// Package grants owns explicit permission grants and their append-only audit
// trail. Every grant mutation and its audit row commit in one transaction.
package grants

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// Level is the additive permission bitmask. The encoding is part of the wire
// and storage contract and must not change.
type Level uint8

const (
	// LevelRead allows viewing a node.
	LevelRead Level = 1 << iota
	// LevelWrite allows modifying a node.
	LevelWrite
	// LevelDelete allows removing a node.
	LevelDelete
	// LevelAdmin allows managing grants on a node. It does not imply the
	// other three bits; callers wanting "admin means everything" must test
	// the bit explicitly.
	LevelAdmin
)

// LevelAll is the union of the four defined bits.
const LevelAll = LevelRead | LevelWrite | LevelDelete | LevelAdmin

var levelNames = []struct {
	bit  Level
	name string
}{
	{LevelRead, "read"},
	{LevelWrite, "write"},
	{LevelDelete, "delete"},
	{LevelAdmin, "admin"},
}

// Valid reports whether the level is a non-zero subset of the defined bits.
func (l Level) Valid() bool {
	return l != 0 && l&^LevelAll == 0
}

// Has reports whether every bit of required is present.
func (l Level) Has(required Level) bool {
	return l&required == required
}

// Bits splits the level into its individual set bits.
func (l Level) Bits() []Level {
	var out []Level
	for _, entry := range levelNames {
		if l&entry.bit != 0 {
			out = append(out, entry.bit)
		}
	}
	return out
}

// String renders the level as "read|write" style for logs and responses.
func (l Level) String() string {
	if l == 0 {
		return "none"
	}
	var parts []string
	for _, entry := range levelNames {
		if l&entry.bit != 0 {
			parts = append(parts, entry.name)
		}
	}
	if rest := l &^ LevelAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseLevel reads a "read|write" style string back into a bitmask.
func ParseLevel(s string) (Level, error) {
	var level Level
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		matched := false
		for _, entry := range levelNames {
			if entry.name == part {
				level |= entry.bit
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("grants: level %q %w", part, shared.ErrValidation)
		}
	}
	if !level.Valid() {
		return 0, ErrInvalidLevel
	}
	return level, nil
}

// Grant assigns a permission level to a principal on a node. Identity fields
// (node, principal) are immutable after creation; level, expiry and reason may
// be updated, each update paired with an audit row.
type Grant struct {
	ID                     uuid.UUID
	Node                   hierarchy.NodeRef
	Principal              directory.PrincipalRef
	Level                  Level
	IncludeChildStructures bool
	ExpiresAt              *time.Time
	GrantedBy              int64
	GrantedReason          string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	RevokedAt              *time.Time
	// ExpiryProcessed marks that the expiration sweep already emitted the
	// Expired audit row for this grant.
	ExpiryProcessed bool
}

// ActiveAt reports whether the grant contributes at asOf: not revoked and not
// past its expiry. Expired grants are kept for audit history, never deleted.
func (g Grant) ActiveAt(asOf time.Time) bool {
	if g.RevokedAt != nil && !asOf.Before(*g.RevokedAt) {
		return false
	}
	return g.ExpiresAt == nil || asOf.Before(*g.ExpiresAt)
}

// AuditAction enumerates grant lifecycle events.
type AuditAction string

const (
	// AuditCreated records a new grant.
	AuditCreated AuditAction = "created"
	// AuditUpdated records a level/expiry/reason change.
	AuditUpdated AuditAction = "updated"
	// AuditRevoked records an explicit revocation.
	AuditRevoked AuditAction = "revoked"
	// AuditExpired records the expiration sweep retiring a grant.
	AuditExpired AuditAction = "expired"
)

// AuditEntry is one append-only row in the grant audit trail.
type AuditEntry struct {
	ID          uuid.UUID
	Action      AuditAction
	Node        hierarchy.NodeRef
	Principal   directory.PrincipalRef
	OldLevel    Level
	NewLevel    Level
	Reason      string
	PerformedBy int64
	PerformedAt time.Time
}

// Package errors.
var (
	ErrGrantNotFound  = fmt.Errorf("grants: grant %w", shared.ErrNotFound)
	ErrInvalidLevel   = fmt.Errorf("grants: level %w", shared.ErrValidation)
	ErrExpiryInPast   = fmt.Errorf("grants: expiry %w: must be in the future", shared.ErrValidation)
	ErrAlreadyRevoked = fmt.Errorf("grants: %w: grant already revoked", shared.ErrConflict)
)
