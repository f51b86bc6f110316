package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/archivio-dms/archivio-dms/internal/grants"
	jobmetrics "github.com/archivio-dms/archivio-dms/internal/jobs"
)

// GrantExpirer is the slice of the grant store the expiration sweep needs.
type GrantExpirer interface {
	ExpiredUnprocessed(ctx context.Context, now time.Time, limit int) ([]grants.Grant, error)
	ExpireGrant(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// ExpireSweepJob retires expired grants in batches: each grant is marked
// processed and gets its single Expired audit row atomically, so overlapping
// sweep runs cannot double-emit. One failing grant is logged and skipped; the
// rest of the batch continues.
type ExpireSweepJob struct {
	store     GrantExpirer
	batchSize int
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

const defaultExpireBatchSize = 200

// NewExpireSweepJob constructs the sweep. metrics may be nil; runs are then
// unrecorded.
func NewExpireSweepJob(store GrantExpirer, batchSize int, metrics *jobmetrics.Metrics, logger *slog.Logger) *ExpireSweepJob {
	if batchSize <= 0 {
		batchSize = defaultExpireBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireSweepJob{store: store, batchSize: batchSize, metrics: metrics, logger: logger}
}

// Run performs one sweep, draining batches until none remain or the context
// is cancelled. A cancelled run leaves no half-processed grant behind; the
// next scheduled cycle picks up the remainder.
func (j *ExpireSweepJob) Run(ctx context.Context) error {
	now := time.Now().UTC()
	retired, failed := 0, 0

	for {
		batch, err := j.store.ExpiredUnprocessed(ctx, now, j.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		progress := false
		for _, g := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			emitted, err := j.store.ExpireGrant(ctx, g.ID, now)
			if err != nil {
				failed++
				j.logger.Error("expire grant",
					slog.String("grant_id", g.ID.String()),
					slog.String("node", g.Node.String()),
					slog.Any("error", err))
				continue
			}
			progress = true
			if emitted {
				retired++
			}
		}
		// Every remaining grant failed; stop rather than spin on them.
		if !progress {
			break
		}
	}

	j.logger.Info("expiration sweep finished",
		slog.Int("retired", retired),
		slog.Int("failed", failed))
	return nil
}

// Handler adapts the sweep to an asynq task.
func (j *ExpireSweepJob) Handler(ctx context.Context, _ *asynq.Task) error {
	tracker := j.metrics.Track("expire_sweep")
	return tracker.End(j.Run(ctx))
}
