package grants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
)

// RepositoryPort abstracts grant persistence for the store.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetGrant(ctx context.Context, id uuid.UUID) (Grant, error)
	ListForNode(ctx context.Context, ref hierarchy.NodeRef) ([]Grant, error)
	ListNonExpired(ctx context.Context, refs []hierarchy.NodeRef, asOf time.Time) ([]Grant, error)
	ExpiredUnprocessed(ctx context.Context, now time.Time, limit int) ([]Grant, error)
	ExpiringWithin(ctx context.Context, from, until time.Time) ([]Grant, error)
	ListAudit(ctx context.Context, ref hierarchy.NodeRef) ([]AuditEntry, error)
}

// TxRepository exposes the writes that must share one transaction.
type TxRepository interface {
	GetGrantForUpdate(ctx context.Context, id uuid.UUID) (Grant, error)
	InsertGrant(ctx context.Context, grant Grant) error
	UpdateGrant(ctx context.Context, grant Grant) error
	InsertAudit(ctx context.Context, entry AuditEntry) error
}

// NodeCatalog validates node references against the hierarchy.
type NodeCatalog interface {
	GetNode(ctx context.Context, ref hierarchy.NodeRef) (hierarchy.Node, error)
}

// Invalidator drops cached resolution results after a grant write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Store coordinates grant mutations. Each mutation appends exactly one audit
// row inside the same transaction; a failed audit write rolls the mutation
// back.
type Store struct {
	repo       RepositoryPort
	nodes      NodeCatalog
	invalidate Invalidator
	logger     *slog.Logger
}

// NewStore builds a Store. invalidate may be nil when no resolution cache is
// deployed.
func NewStore(repo RepositoryPort, nodes NodeCatalog, invalidate Invalidator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, nodes: nodes, invalidate: invalidate, logger: logger}
}

// CreateInput carries the fields of a new grant.
type CreateInput struct {
	Node                   hierarchy.NodeRef
	Principal              directory.PrincipalRef
	Level                  Level
	IncludeChildStructures bool
	ExpiresAt              *time.Time
	GrantedBy              int64
	Reason                 string
}

// Create validates and persists a new grant plus its Created audit row.
func (s *Store) Create(ctx context.Context, input CreateInput) (Grant, error) {
	if !input.Level.Valid() {
		return Grant{}, ErrInvalidLevel
	}
	if _, err := s.nodes.GetNode(ctx, input.Node); err != nil {
		return Grant{}, err
	}

	now := time.Now().UTC()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return Grant{}, ErrExpiryInPast
	}
	if input.Principal.Kind != directory.PrincipalStructure {
		input.IncludeChildStructures = false
	}

	grant := Grant{
		ID:                     uuid.New(),
		Node:                   input.Node,
		Principal:              input.Principal,
		Level:                  input.Level,
		IncludeChildStructures: input.IncludeChildStructures,
		ExpiresAt:              input.ExpiresAt,
		GrantedBy:              input.GrantedBy,
		GrantedReason:          input.Reason,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, AuditEntry{
			ID:          uuid.New(),
			Action:      AuditCreated,
			Node:        grant.Node,
			Principal:   grant.Principal,
			NewLevel:    grant.Level,
			Reason:      grant.GrantedReason,
			PerformedBy: grant.GrantedBy,
			PerformedAt: now,
		})
	})
	if err != nil {
		return Grant{}, fmt.Errorf("grants: create: %w", err)
	}

	s.dropCache(ctx)
	return grant, nil
}

// UpdateInput carries the mutable grant fields; nil pointers leave a field
// unchanged.
type UpdateInput struct {
	Level     *Level
	ExpiresAt *time.Time
	Reason    *string
}

// Update applies field changes and appends the Updated audit row.
func (s *Store) Update(ctx context.Context, id uuid.UUID, input UpdateInput, performedBy int64) (Grant, error) {
	if input.Level != nil && !input.Level.Valid() {
		return Grant{}, ErrInvalidLevel
	}

	now := time.Now().UTC()
	var updated Grant
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grant, err := tx.GetGrantForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if grant.RevokedAt != nil {
			return ErrAlreadyRevoked
		}

		oldLevel := grant.Level
		if input.Level != nil {
			grant.Level = *input.Level
		}
		if input.ExpiresAt != nil {
			grant.ExpiresAt = input.ExpiresAt
			// An extended expiry re-arms the expiration sweep.
			grant.ExpiryProcessed = false
		}
		if input.Reason != nil {
			grant.GrantedReason = *input.Reason
		}
		grant.UpdatedAt = now

		if err := tx.UpdateGrant(ctx, grant); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, AuditEntry{
			ID:          uuid.New(),
			Action:      AuditUpdated,
			Node:        grant.Node,
			Principal:   grant.Principal,
			OldLevel:    oldLevel,
			NewLevel:    grant.Level,
			Reason:      grant.GrantedReason,
			PerformedBy: performedBy,
			PerformedAt: now,
		}); err != nil {
			return err
		}
		updated = grant
		return nil
	})
	if err != nil {
		return Grant{}, err
	}

	s.dropCache(ctx)
	return updated, nil
}

// Revoke retires a grant and appends the Revoked audit row. Revoked grants
// stay in storage for audit history.
func (s *Store) Revoke(ctx context.Context, id uuid.UUID, reason string, performedBy int64) error {
	now := time.Now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grant, err := tx.GetGrantForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if grant.RevokedAt != nil {
			return ErrAlreadyRevoked
		}

		grant.RevokedAt = &now
		grant.UpdatedAt = now
		if err := tx.UpdateGrant(ctx, grant); err != nil {
			return err
		}
		return tx.InsertAudit(ctx, AuditEntry{
			ID:          uuid.New(),
			Action:      AuditRevoked,
			Node:        grant.Node,
			Principal:   grant.Principal,
			OldLevel:    grant.Level,
			Reason:      reason,
			PerformedBy: performedBy,
			PerformedAt: now,
		})
	})
	if err != nil {
		return err
	}

	s.dropCache(ctx)
	return nil
}

// ExpireGrant is the expiration sweep's unit of work: mark the grant processed
// and append one Expired audit row, atomically. It reports whether an audit
// row was emitted, so duplicate sweep runs are visible as no-ops.
func (s *Store) ExpireGrant(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	emitted := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grant, err := tx.GetGrantForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if grant.ExpiryProcessed {
			return nil
		}
		if grant.ExpiresAt == nil || now.Before(*grant.ExpiresAt) {
			return nil
		}

		grant.ExpiryProcessed = true
		grant.UpdatedAt = now
		if err := tx.UpdateGrant(ctx, grant); err != nil {
			return err
		}
		if grant.RevokedAt != nil {
			// Already audited as revoked; no Expired row on top.
			return nil
		}
		if err := tx.InsertAudit(ctx, AuditEntry{
			ID:          uuid.New(),
			Action:      AuditExpired,
			Node:        grant.Node,
			Principal:   grant.Principal,
			OldLevel:    grant.Level,
			Reason:      "expired",
			PerformedAt: now,
		}); err != nil {
			return err
		}
		emitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if emitted {
		s.dropCache(ctx)
	}
	return emitted, nil
}

// Get fetches a grant by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Grant, error) {
	return s.repo.GetGrant(ctx, id)
}

// ListForNode returns every grant bound to the node, including revoked and
// expired ones, for administrative views.
func (s *Store) ListForNode(ctx context.Context, ref hierarchy.NodeRef) ([]Grant, error) {
	if _, err := s.nodes.GetNode(ctx, ref); err != nil {
		return nil, err
	}
	return s.repo.ListForNode(ctx, ref)
}

// ListNonExpired returns the grants on the given nodes that still contribute
// at asOf. The resolution engine calls this once per chain.
func (s *Store) ListNonExpired(ctx context.Context, refs []hierarchy.NodeRef, asOf time.Time) ([]Grant, error) {
	return s.repo.ListNonExpired(ctx, refs, asOf)
}

// ExpiredUnprocessed lists grants the expiration sweep still has to handle.
func (s *Store) ExpiredUnprocessed(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	return s.repo.ExpiredUnprocessed(ctx, now, limit)
}

// ExpiringWithin lists grants whose expiry falls inside [from, until), for the
// review sweep.
func (s *Store) ExpiringWithin(ctx context.Context, from, until time.Time) ([]Grant, error) {
	return s.repo.ExpiringWithin(ctx, from, until)
}

// Audit returns the audit trail of a node, newest first.
func (s *Store) Audit(ctx context.Context, ref hierarchy.NodeRef) ([]AuditEntry, error) {
	if _, err := s.nodes.GetNode(ctx, ref); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, ref)
}

func (s *Store) dropCache(ctx context.Context) {
	if s.invalidate == nil {
		return
	}
	if err := s.invalidate.Invalidate(ctx); err != nil {
		s.logger.Warn("invalidate resolution cache", slog.Any("error", err))
	}
}
