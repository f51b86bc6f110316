// Package jobs hosts the background worker: the periodic expiration and
// review sweeps plus notification dispatch.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpireSweep retires grants whose expiry has passed.
	TaskExpireSweep = "perm:expire_sweep"
	// TaskReviewSweep surfaces grants and memberships nearing expiry.
	TaskReviewSweep = "perm:review_sweep"
	// TaskTypeNotify delivers one review notification.
	TaskTypeNotify = "notify:send"
)

// NewExpireSweepTask constructs the expiration sweep task.
func NewExpireSweepTask() *asynq.Task {
	return asynq.NewTask(TaskExpireSweep, nil)
}

// NewReviewSweepTask constructs the review sweep task.
func NewReviewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskReviewSweep, nil)
}

// NotifyPayload describes one notification to deliver.
type NotifyPayload struct {
	UserID  int64  `json:"user_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewNotifyTask constructs a notification task.
func NewNotifyTask(payload NotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeNotify, data), nil
}

// HandleNotifyTask processes TaskTypeNotify tasks. Delivery mechanics are
// owned by the notification platform; this handler records the trigger.
func HandleNotifyTask(ctx context.Context, t *asynq.Task) error {
	var payload NotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	slog.Default().Info("review notification",
		slog.Int64("user_id", payload.UserID),
		slog.String("subject", payload.Subject))
	return nil
}
