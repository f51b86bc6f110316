package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
)

// Worker wraps the Asynq server and scheduler running the periodic sweeps.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger

	ExpireSweep *ExpireSweepJob
	ReviewSweep *ReviewSweepJob

	// Cron specs for the two sweeps; empty disables scheduling (the task
	// can still be enqueued manually).
	ExpireSweepSpec string
	ReviewSweepSpec string
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeNotify, HandleNotifyTask)
	if cfg.ExpireSweep != nil {
		mux.HandleFunc(TaskExpireSweep, cfg.ExpireSweep.Handler)
	}
	if cfg.ReviewSweep != nil {
		mux.HandleFunc(TaskReviewSweep, cfg.ReviewSweep.Handler)
	}

	scheduler := asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
	type cronEntry struct {
		spec string
		task *asynq.Task
	}
	entries := []cronEntry{
		{cfg.ExpireSweepSpec, NewExpireSweepTask()},
		{cfg.ReviewSweepSpec, NewReviewSweepTask()},
	}
	registered := false
	for _, entry := range entries {
		if entry.spec == "" {
			continue
		}
		if _, err := scheduler.Register(entry.spec, entry.task, asynq.Queue(QueueDefault)); err != nil {
			return nil, err
		}
		registered = true
	}
	if !registered {
		scheduler = nil
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation, then shuts down
// gracefully so in-flight sweep items finish their transaction.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// Notify implements Notifier by enqueueing a notify:send task; the
// notification platform consumes them from the queue.
func (c *Client) Notify(ctx context.Context, n Notification) error {
	task, err := NewNotifyTask(NotifyPayload{UserID: n.UserID, Subject: n.Subject, Body: n.Body})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"default","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueDefault
	if info != nil {
		pending = int(info.Pending)
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + strconv.Itoa(pending) + `}`))
}
