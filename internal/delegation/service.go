package delegation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RepositoryPort abstracts delegation persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, d Delegation) error
	Get(ctx context.Context, id uuid.UUID) (Delegation, error)
	ListForDelegator(ctx context.Context, delegatorID int64, scope Scope) ([]Delegation, error)
	ActiveForDelegator(ctx context.Context, delegatorID int64, scope Scope, asOf time.Time) (Delegation, bool, error)
	EndingWithin(ctx context.Context, from, until time.Time) ([]Delegation, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Manager validates and resolves delegations.
type Manager struct {
	repo RepositoryPort
}

// NewManager builds a Manager.
func NewManager(repo RepositoryPort) *Manager {
	return &Manager{repo: repo}
}

// CreateInput carries the fields of a new delegation.
type CreateInput struct {
	DelegatorID int64
	DelegateID  int64
	Scope       Scope
	StartDate   time.Time
	EndDate     time.Time
}

// Create registers a delegation, rejecting empty windows and overlaps with an
// existing window of the same delegator and scope. The database exclusion
// constraint backs this check against concurrent creates.
func (m *Manager) Create(ctx context.Context, input CreateInput) (Delegation, error) {
	if !input.EndDate.After(input.StartDate) {
		return Delegation{}, ErrEmptyWindow
	}
	if input.DelegatorID == input.DelegateID {
		return Delegation{}, ErrSelfDelegation
	}

	existing, err := m.repo.ListForDelegator(ctx, input.DelegatorID, input.Scope)
	if err != nil {
		return Delegation{}, err
	}
	for _, d := range existing {
		if d.RevokedAt == nil && d.Overlaps(input.StartDate, input.EndDate) {
			return Delegation{}, ErrOverlappingWindow
		}
	}

	d := Delegation{
		ID:          uuid.New(),
		DelegatorID: input.DelegatorID,
		DelegateID:  input.DelegateID,
		Scope:       input.Scope,
		StartDate:   input.StartDate,
		EndDate:     input.EndDate,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.repo.Insert(ctx, d); err != nil {
		return Delegation{}, err
	}
	return d, nil
}

// EndingWithin lists unrevoked delegations whose window closes inside
// [from, until); the review sweep uses it to surface windows needing a
// handover decision.
func (m *Manager) EndingWithin(ctx context.Context, from, until time.Time) ([]Delegation, error) {
	return m.repo.EndingWithin(ctx, from, until)
}

// Revoke ends a delegation ahead of its window.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID) error {
	if _, err := m.repo.Get(ctx, id); err != nil {
		return err
	}
	return m.repo.Revoke(ctx, id, time.Now().UTC())
}

// ResolveActingPrincipal returns the delegate standing in for userID under
// the given scope at asOf (zero asOf means now), or userID itself when no
// delegation is active. At most one delegation per delegator and scope can
// cover any instant, so the lookup is unambiguous. ScopeAll delegations match
// every scope.
func (m *Manager) ResolveActingPrincipal(ctx context.Context, userID int64, scope Scope, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	d, ok, err := m.repo.ActiveForDelegator(ctx, userID, scope, asOf)
	if err != nil {
		return 0, err
	}
	if !ok {
		return userID, nil
	}
	return d.DelegateID, nil
}
