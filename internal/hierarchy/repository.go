package hierarchy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads nodes from PostgreSQL. The nodes table is maintained by the
// document/folder services; this adapter only selects from it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetNode fetches one node by kind and id.
func (r *Repository) GetNode(ctx context.Context, ref NodeRef) (Node, error) {
	row := r.pool.QueryRow(ctx, `
SELECT kind, id, name, parent_kind, parent_id, break_inheritance
FROM nodes
WHERE kind = $1 AND id = $2`, string(ref.Kind), ref.ID)

	var (
		node       Node
		kind       string
		parentKind *string
		parentID   *int64
	)
	if err := row.Scan(&kind, &node.Ref.ID, &node.Name, &parentKind, &parentID, &node.BreakInheritance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, ref)
		}
		return Node{}, err
	}
	node.Ref.Kind = NodeKind(kind)
	if parentKind != nil && parentID != nil {
		node.Parent = &NodeRef{Kind: NodeKind(*parentKind), ID: *parentID}
	}
	return node, nil
}
