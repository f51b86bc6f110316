package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/archivio-dms/archivio-dms/internal/delegation"
	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/grants"
	jobmetrics "github.com/archivio-dms/archivio-dms/internal/jobs"
)

// Notification is the trigger contract handed to the notification
// collaborator; delivery mechanics are not this system's concern.
type Notification struct {
	UserID  int64
	Subject string
	Body    string
}

// Notifier dispatches one notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Deduper remembers that an entity was already notified this cycle.
type Deduper interface {
	// Once returns true the first time key is seen within ttl.
	Once(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets a key so a failed dispatch can retry next cycle.
	Release(ctx context.Context, key string) error
}

// RedisDeduper implements Deduper with SETNX keys that age out with the
// review horizon, so an entity is notified once per horizon window even
// across overlapping sweep runs.
type RedisDeduper struct {
	client *redis.Client
}

// NewRedisDeduper constructs a RedisDeduper.
func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

// Once implements Deduper.
func (d *RedisDeduper) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, "perm:review:"+key, 1, ttl).Result()
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, "perm:review:"+key).Err()
}

// GrantReviewSource lists grants expiring inside a window.
type GrantReviewSource interface {
	ExpiringWithin(ctx context.Context, from, until time.Time) ([]grants.Grant, error)
}

// MembershipReviewSource lists structure memberships ending inside a window.
type MembershipReviewSource interface {
	MembershipsEndingWithin(ctx context.Context, from, until time.Time) ([]directory.StructureMember, error)
}

// DelegationReviewSource lists delegations whose window closes inside a
// window.
type DelegationReviewSource interface {
	EndingWithin(ctx context.Context, from, until time.Time) ([]delegation.Delegation, error)
}

// ReviewSweepJob surfaces grants, memberships and delegation windows nearing
// their end for review.
type ReviewSweepJob struct {
	grants      GrantReviewSource
	memberships MembershipReviewSource
	delegations DelegationReviewSource
	notifier    Notifier
	dedupe      Deduper
	horizon     time.Duration
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
}

// NewReviewSweepJob constructs the sweep. delegations and metrics may be nil;
// the delegation pass is then skipped and runs go unrecorded. horizon <= 0
// defaults to two weeks.
func NewReviewSweepJob(grantSource GrantReviewSource, memberships MembershipReviewSource, delegations DelegationReviewSource, notifier Notifier, dedupe Deduper, horizon time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) *ReviewSweepJob {
	if horizon <= 0 {
		horizon = 14 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewSweepJob{
		grants:      grantSource,
		memberships: memberships,
		delegations: delegations,
		notifier:    notifier,
		dedupe:      dedupe,
		horizon:     horizon,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run performs one review cycle. Failures on single items are logged and do
// not abort the batch; the dedupe key is only written after a successful
// dispatch so a failed notification is retried next cycle.
func (j *ReviewSweepJob) Run(ctx context.Context) error {
	now := time.Now().UTC()
	until := now.Add(j.horizon)
	grantNotified, membershipNotified, delegationNotified := 0, 0, 0

	expiring, err := j.grants.ExpiringWithin(ctx, now, until)
	if err != nil {
		return err
	}
	for _, g := range expiring {
		key := fmt.Sprintf("grant:%s", g.ID)
		ok, err := j.notifyOnce(ctx, key, Notification{
			UserID:  g.GrantedBy,
			Subject: "Permission grant nearing expiry",
			Body: fmt.Sprintf("Grant %s (%s on %s for %s) expires at %s.",
				g.ID, g.Level, g.Node, g.Principal, g.ExpiresAt.Format(time.RFC3339)),
		})
		if err != nil {
			j.logger.Error("notify expiring grant", slog.String("grant_id", g.ID.String()), slog.Any("error", err))
			continue
		}
		if ok {
			grantNotified++
		}
	}

	ending, err := j.memberships.MembershipsEndingWithin(ctx, now, until)
	if err != nil {
		return err
	}
	for _, m := range ending {
		key := fmt.Sprintf("membership:%d:%d:%s", m.UserID, m.StructureID, m.EndDate.Format("2006-01-02"))
		ok, err := j.notifyOnce(ctx, key, Notification{
			UserID:  m.UserID,
			Subject: "Structure membership nearing its end date",
			Body: fmt.Sprintf("Membership of structure %d ends at %s.",
				m.StructureID, m.EndDate.Format(time.RFC3339)),
		})
		if err != nil {
			j.logger.Error("notify ending membership",
				slog.Int64("user_id", m.UserID),
				slog.Int64("structure_id", m.StructureID),
				slog.Any("error", err))
			continue
		}
		if ok {
			membershipNotified++
		}
	}

	var closing []delegation.Delegation
	if j.delegations != nil {
		closing, err = j.delegations.EndingWithin(ctx, now, until)
		if err != nil {
			return err
		}
		for _, d := range closing {
			key := fmt.Sprintf("delegation:%s", d.ID)
			ok, err := j.notifyOnce(ctx, key, Notification{
				UserID:  d.DelegatorID,
				Subject: "Delegation window nearing its end",
				Body: fmt.Sprintf("Delegation of scope %s to user %d ends at %s.",
					d.Scope, d.DelegateID, d.EndDate.Format(time.RFC3339)),
			})
			if err != nil {
				j.logger.Error("notify ending delegation", slog.String("delegation_id", d.ID.String()), slog.Any("error", err))
				continue
			}
			if ok {
				delegationNotified++
			}
		}
	}

	j.metrics.AddNotifications("grant", grantNotified)
	j.metrics.AddNotifications("membership", membershipNotified)
	j.metrics.AddNotifications("delegation", delegationNotified)

	j.logger.Info("review sweep finished",
		slog.Int("expiring_grants", len(expiring)),
		slog.Int("ending_memberships", len(ending)),
		slog.Int("ending_delegations", len(closing)),
		slog.Int("notified", grantNotified+membershipNotified+delegationNotified))
	return nil
}

func (j *ReviewSweepJob) notifyOnce(ctx context.Context, key string, n Notification) (bool, error) {
	first, err := j.dedupe.Once(ctx, key, j.horizon)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}
	if err := j.notifier.Notify(ctx, n); err != nil {
		if relErr := j.dedupe.Release(ctx, key); relErr != nil {
			j.logger.Warn("release dedupe key", slog.String("key", key), slog.Any("error", relErr))
		}
		return false, err
	}
	return true, nil
}

// Handler adapts the sweep to an asynq task.
func (j *ReviewSweepJob) Handler(ctx context.Context, _ *asynq.Task) error {
	tracker := j.metrics.Track("review_sweep")
	return tracker.End(j.Run(ctx))
}
