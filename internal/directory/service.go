package directory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RepositoryPort abstracts directory persistence for the service.
type RepositoryPort interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	HasRole(ctx context.Context, userID, roleID int64) (bool, error)
	ListStructures(ctx context.Context) ([]Structure, error)
	ActiveMemberships(ctx context.Context, userID int64, asOf time.Time) ([]StructureMember, error)
	MembershipsEndingWithin(ctx context.Context, from, until time.Time) ([]StructureMember, error)
}

// Service resolves principal membership. The structure tree is cached as an
// arena index and refreshed explicitly; org-unit changes are rare compared to
// permission checks.
type Service struct {
	repo RepositoryPort

	mu   sync.RWMutex
	tree *Tree
}

// NewService builds a Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// UserExists reports whether the user is known to the directory.
func (s *Service) UserExists(ctx context.Context, userID int64) (bool, error) {
	return s.repo.UserExists(ctx, userID)
}

// IsMember reports whether userID belongs to the principal as of the given
// time. includeChildren widens a structure principal to its transitive
// descendants and is ignored for user and role principals.
func (s *Service) IsMember(ctx context.Context, userID int64, principal PrincipalRef, includeChildren bool, asOf time.Time) (bool, error) {
	switch principal.Kind {
	case PrincipalUser:
		return principal.ID == userID, nil
	case PrincipalRole:
		return s.repo.HasRole(ctx, userID, principal.ID)
	case PrincipalStructure:
		return s.isStructureMember(ctx, userID, principal.ID, includeChildren, asOf)
	}
	return false, fmt.Errorf("directory: unknown principal kind %q", principal.Kind)
}

func (s *Service) isStructureMember(ctx context.Context, userID, structureID int64, includeChildren bool, asOf time.Time) (bool, error) {
	memberships, err := s.repo.ActiveMemberships(ctx, userID, asOf)
	if err != nil {
		return false, err
	}
	if len(memberships) == 0 {
		return false, nil
	}

	active := make(map[int64]struct{}, len(memberships))
	for _, m := range memberships {
		active[m.StructureID] = struct{}{}
	}
	if _, ok := active[structureID]; ok {
		return true, nil
	}
	if !includeChildren {
		return false, nil
	}

	tree, err := s.structureTree(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range tree.DescendantIDs(structureID) {
		if _, ok := active[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

// MembershipsEndingWithin lists memberships whose end date falls inside the
// window; the review sweep uses it to surface expiring access.
func (s *Service) MembershipsEndingWithin(ctx context.Context, from, until time.Time) ([]StructureMember, error) {
	return s.repo.MembershipsEndingWithin(ctx, from, until)
}

// RefreshTree reloads the structure arena from the repository. Call it after
// org-unit changes; IsMember loads the tree lazily on first use.
func (s *Service) RefreshTree(ctx context.Context) error {
	structures, err := s.repo.ListStructures(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tree = NewTree(structures)
	s.mu.Unlock()
	return nil
}

func (s *Service) structureTree(ctx context.Context) (*Tree, error) {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()
	if tree != nil {
		return tree, nil
	}
	if err := s.RefreshTree(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree, nil
}
