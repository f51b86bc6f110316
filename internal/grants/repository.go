package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
	"github.com/archivio-dms/archivio-dms/internal/platform/db"
)

// Repository persists grants and audit rows in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const grantColumns = `id, node_kind, node_id, principal_kind, principal_id, level,
include_child_structures, expires_at, granted_by, granted_reason,
created_at, updated_at, revoked_at, expiry_processed`

// WithTx runs fn inside a transaction; the grant row and its audit row commit
// or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetGrant fetches a grant by id.
func (r *Repository) GetGrant(ctx context.Context, id uuid.UUID) (Grant, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1`, id)
	return scanGrant(row)
}

// ListForNode returns every grant on the node, newest first.
func (r *Repository) ListForNode(ctx context.Context, ref hierarchy.NodeRef) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+grantColumns+`
FROM permission_grants
WHERE node_kind = $1 AND node_id = $2
ORDER BY created_at DESC, id`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ListNonExpired returns contributing grants on the given nodes at asOf,
// ordered by creation time then id for deterministic source attribution.
func (r *Repository) ListNonExpired(ctx context.Context, refs []hierarchy.NodeRef, asOf time.Time) ([]Grant, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	kinds := make([]string, len(refs))
	ids := make([]int64, len(refs))
	for i, ref := range refs {
		kinds[i] = string(ref.Kind)
		ids[i] = ref.ID
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+grantColumns+`
FROM permission_grants g
JOIN unnest($1::text[], $2::bigint[]) AS c(kind, id)
  ON g.node_kind = c.kind AND g.node_id = c.id
WHERE (g.revoked_at IS NULL OR g.revoked_at > $3)
  AND (g.expires_at IS NULL OR g.expires_at > $3)
ORDER BY g.created_at, g.id`, kinds, ids, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ExpiredUnprocessed lists expired grants the sweep has not handled yet.
func (r *Repository) ExpiredUnprocessed(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+grantColumns+`
FROM permission_grants
WHERE expires_at IS NOT NULL AND expires_at <= $1 AND NOT expiry_processed
ORDER BY expires_at
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ExpiringWithin lists live grants whose expiry falls in [from, until).
func (r *Repository) ExpiringWithin(ctx context.Context, from, until time.Time) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+grantColumns+`
FROM permission_grants
WHERE revoked_at IS NULL
  AND expires_at IS NOT NULL AND expires_at >= $1 AND expires_at < $2
ORDER BY expires_at`, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ListAudit returns a node's audit trail, newest first.
func (r *Repository) ListAudit(ctx context.Context, ref hierarchy.NodeRef) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, action, node_kind, node_id, principal_kind, principal_id,
       old_level, new_level, reason, performed_by, performed_at
FROM permission_audits
WHERE node_kind = $1 AND node_id = $2
ORDER BY performed_at DESC, id`, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e             AuditEntry
			nodeKind      string
			principalKind string
			action        string
			oldLevel      int16
			newLevel      int16
		)
		if err := rows.Scan(&e.ID, &action, &nodeKind, &e.Node.ID, &principalKind, &e.Principal.ID,
			&oldLevel, &newLevel, &e.Reason, &e.PerformedBy, &e.PerformedAt); err != nil {
			return nil, err
		}
		e.Action = AuditAction(action)
		e.Node.Kind = hierarchy.NodeKind(nodeKind)
		e.Principal.Kind = directory.PrincipalKind(principalKind)
		e.OldLevel = Level(oldLevel)
		e.NewLevel = Level(newLevel)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetGrantForUpdate(ctx context.Context, id uuid.UUID) (Grant, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE id = $1 FOR UPDATE`, id)
	return scanGrant(row)
}

func (t *txRepo) InsertGrant(ctx context.Context, g Grant) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO permission_grants
(id, node_kind, node_id, principal_kind, principal_id, level,
 include_child_structures, expires_at, granted_by, granted_reason,
 created_at, updated_at, revoked_at, expiry_processed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		g.ID, string(g.Node.Kind), g.Node.ID, string(g.Principal.Kind), g.Principal.ID, int16(g.Level),
		g.IncludeChildStructures, g.ExpiresAt, g.GrantedBy, g.GrantedReason,
		g.CreatedAt, g.UpdatedAt, g.RevokedAt, g.ExpiryProcessed)
	return err
}

func (t *txRepo) UpdateGrant(ctx context.Context, g Grant) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE permission_grants
SET level = $2, include_child_structures = $3, expires_at = $4, granted_reason = $5,
    updated_at = $6, revoked_at = $7, expiry_processed = $8
WHERE id = $1`,
		g.ID, int16(g.Level), g.IncludeChildStructures, g.ExpiresAt, g.GrantedReason,
		g.UpdatedAt, g.RevokedAt, g.ExpiryProcessed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrGrantNotFound, g.ID)
	}
	return nil
}

func (t *txRepo) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO permission_audits
(id, action, node_kind, node_id, principal_kind, principal_id,
 old_level, new_level, reason, performed_by, performed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, string(e.Action), string(e.Node.Kind), e.Node.ID, string(e.Principal.Kind), e.Principal.ID,
		int16(e.OldLevel), int16(e.NewLevel), e.Reason, e.PerformedBy, e.PerformedAt)
	return err
}

func scanGrant(row pgx.Row) (Grant, error) {
	var (
		g             Grant
		nodeKind      string
		principalKind string
		level         int16
	)
	err := row.Scan(&g.ID, &nodeKind, &g.Node.ID, &principalKind, &g.Principal.ID, &level,
		&g.IncludeChildStructures, &g.ExpiresAt, &g.GrantedBy, &g.GrantedReason,
		&g.CreatedAt, &g.UpdatedAt, &g.RevokedAt, &g.ExpiryProcessed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrGrantNotFound
		}
		return Grant{}, err
	}
	g.Node.Kind = hierarchy.NodeKind(nodeKind)
	g.Principal.Kind = directory.PrincipalKind(principalKind)
	g.Level = Level(level)
	return g, nil
}

func scanGrants(rows pgx.Rows) ([]Grant, error) {
	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
