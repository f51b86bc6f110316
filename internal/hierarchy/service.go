package hierarchy

import (
	"context"
	"fmt"
)

// RepositoryPort abstracts node lookups for the service.
type RepositoryPort interface {
	GetNode(ctx context.Context, ref NodeRef) (Node, error)
}

// Service answers node and ancestor-chain queries. It never mutates the tree;
// cabinets, folders and documents are owned by the resource-management side.
type Service struct {
	repo     RepositoryPort
	maxDepth int
}

// DefaultMaxDepth bounds the ancestor walk when no depth is configured.
const DefaultMaxDepth = 32

// NewService builds a Service. maxDepth <= 0 falls back to DefaultMaxDepth.
func NewService(repo RepositoryPort, maxDepth int) *Service {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Service{repo: repo, maxDepth: maxDepth}
}

// GetNode fetches a single node.
func (s *Service) GetNode(ctx context.Context, ref NodeRef) (Node, error) {
	return s.repo.GetNode(ctx, ref)
}

// AncestorChain returns the node and its ancestors, nearest first, ending at
// the owning cabinet. The walk fails with ErrTooDeep once the configured bound
// is exceeded; well-formed trees never hit it.
func (s *Service) AncestorChain(ctx context.Context, ref NodeRef) ([]Node, error) {
	node, err := s.repo.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}

	chain := []Node{node}
	cursor := node
	for cursor.Parent != nil {
		if len(chain) >= s.maxDepth {
			return nil, fmt.Errorf("%w: %s exceeds depth %d", ErrTooDeep, ref, s.maxDepth)
		}
		parent, err := s.repo.GetNode(ctx, *cursor.Parent)
		if err != nil {
			return nil, fmt.Errorf("ancestor of %s: %w", ref, err)
		}
		chain = append(chain, parent)
		cursor = parent
	}
	return chain, nil
}
