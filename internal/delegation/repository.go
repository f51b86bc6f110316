package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists delegations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const delegationColumns = `id, delegator_id, delegate_id, scope, start_date, end_date, revoked_at, created_at`

// Insert writes a new delegation. The delegations table carries an exclusion
// constraint on (delegator, scope, window); violations map to
// ErrOverlappingWindow so races with the service-level check stay safe.
func (r *Repository) Insert(ctx context.Context, d Delegation) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO delegations (id, delegator_id, delegate_id, scope, start_date, end_date, revoked_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.DelegatorID, d.DelegateID, string(d.Scope), d.StartDate, d.EndDate, d.RevokedAt, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
			return ErrOverlappingWindow
		}
		return err
	}
	return nil
}

// Get fetches a delegation by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Delegation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = $1`, id)
	return scanDelegation(row)
}

// ListForDelegator returns the delegator's delegations for a scope, newest
// window first.
func (r *Repository) ListForDelegator(ctx context.Context, delegatorID int64, scope Scope) ([]Delegation, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+delegationColumns+`
FROM delegations
WHERE delegator_id = $1 AND scope = $2
ORDER BY start_date DESC`, delegatorID, string(scope))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveForDelegator returns the delegation covering asOf for the delegator
// and scope, also matching scope "all" rows.
func (r *Repository) ActiveForDelegator(ctx context.Context, delegatorID int64, scope Scope, asOf time.Time) (Delegation, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+delegationColumns+`
FROM delegations
WHERE delegator_id = $1
  AND (scope = $2 OR scope = 'all')
  AND start_date <= $3 AND end_date > $3
  AND (revoked_at IS NULL OR revoked_at > $3)
ORDER BY scope = 'all', start_date
LIMIT 1`, delegatorID, string(scope), asOf)

	d, err := scanDelegation(row)
	if err != nil {
		if errors.Is(err, ErrDelegationNotFound) {
			return Delegation{}, false, nil
		}
		return Delegation{}, false, err
	}
	return d, true, nil
}

// EndingWithin returns unrevoked delegations whose window closes in
// [from, until), soonest first.
func (r *Repository) EndingWithin(ctx context.Context, from, until time.Time) ([]Delegation, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+delegationColumns+`
FROM delegations
WHERE revoked_at IS NULL AND end_date >= $1 AND end_date < $2
ORDER BY end_date`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Revoke stamps the delegation revoked.
func (r *Repository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE delegations SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDelegationNotFound, id)
	}
	return nil
}

func scanDelegation(row pgx.Row) (Delegation, error) {
	var (
		d     Delegation
		scope string
	)
	err := row.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &scope, &d.StartDate, &d.EndDate, &d.RevokedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegation{}, ErrDelegationNotFound
		}
		return Delegation{}, err
	}
	d.Scope = Scope(scope)
	return d, nil
}
