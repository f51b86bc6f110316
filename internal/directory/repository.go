package directory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads directory data from PostgreSQL. Users, roles and org units
// are written by the identity/org-management services; this adapter only
// queries them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UserExists checks the users table.
func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// HasRole checks the user_roles assignment table. Role assignment is a
// point-in-time fact; no expiry is modeled on it.
func (r *Repository) HasRole(ctx context.Context, userID, roleID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role_id = $2)`, userID, roleID).Scan(&exists)
	return exists, err
}

// ListStructures loads the whole structure forest for the arena index.
func (r *Repository) ListStructures(ctx context.Context) ([]Structure, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, parent_id, kind, name FROM structures ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var structures []Structure
	for rows.Next() {
		var s Structure
		if err := rows.Scan(&s.ID, &s.ParentID, &s.Kind, &s.Name); err != nil {
			return nil, err
		}
		structures = append(structures, s)
	}
	return structures, rows.Err()
}

// ActiveMemberships returns the user's memberships covering asOf.
func (r *Repository) ActiveMemberships(ctx context.Context, userID int64, asOf time.Time) ([]StructureMember, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id, structure_id, is_primary, start_date, end_date
FROM structure_members
WHERE user_id = $1 AND start_date <= $2 AND (end_date IS NULL OR end_date > $2)`, userID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMembers(rows)
}

// MembershipsEndingWithin returns memberships whose end date falls in
// [from, until).
func (r *Repository) MembershipsEndingWithin(ctx context.Context, from, until time.Time) ([]StructureMember, error) {
	rows, err := r.pool.Query(ctx, `
SELECT user_id, structure_id, is_primary, start_date, end_date
FROM structure_members
WHERE end_date IS NOT NULL AND end_date >= $1 AND end_date < $2
ORDER BY end_date`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMembers(rows)
}

func scanMembers(rows pgx.Rows) ([]StructureMember, error) {
	var members []StructureMember
	for rows.Next() {
		var m StructureMember
		if err := rows.Scan(&m.UserID, &m.StructureID, &m.IsPrimary, &m.StartDate, &m.EndDate); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
