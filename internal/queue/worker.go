package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nhattrinh17/taker-backend/internal/observability"
)

type Handler func(ctx context.Context, job *Job) error

// Worker pulls jobs from a RedisQueue and runs the handler registered for
// each kind on a fixed number of goroutines.
type Worker struct {
	q           *RedisQueue
	logger      *slog.Logger
	concurrency int
	pollWait    time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(q *RedisQueue, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		q:           q,
		logger:      logger,
		concurrency: concurrency,
		pollWait:    time.Second,
		handlers:    make(map[string]Handler),
	}
}

func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run blocks until ctx is canceled and every in-flight job has returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.q.Dequeue(ctx, w.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue_dequeue_failed", slog.String("queue", w.q.name), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollWait):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.mu.RLock()
	h, ok := w.handlers[job.Kind]
	w.mu.RUnlock()

	result := "ok"
	start := time.Now()
	switch {
	case !ok:
		result = "unhandled"
		w.logger.Warn("queue_job_unhandled", slog.String("kind", job.Kind), slog.String("job_id", job.ID))
	default:
		if err := h(ctx, job); err != nil {
			result = "error"
			if errors.Is(err, context.Canceled) {
				result = "canceled"
			}
			w.logger.Error("queue_job_failed",
				slog.String("kind", job.Kind),
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
	observability.JobsTotal.WithLabelValues(job.Kind, result).Inc()
	observability.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())

	// completion must survive shutdown of the worker context
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := w.q.Complete(cctx, job.ID); err != nil {
		w.logger.Error("queue_complete_failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
