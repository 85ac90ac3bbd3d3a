package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// completedRetention is how long completed jobs stay inspectable.
const completedRetention = time.Hour

// completedLimit caps the completed-job registry.
const completedLimit = 100

// Queue accepts fire-and-forget audit jobs and processes them asynchronously
// with bounded concurrency. A slow or unavailable audit log never increases
// hot-path latency: Enqueue returns as soon as the job is buffered.
type Queue struct {
	writer Writer
	cfg    Config

	jobs     chan *Job
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  atomic.Bool

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	mu        sync.Mutex
	completed []completedEntry
	failures  []FailedJob
}

type completedEntry struct {
	Job        *Job
	FinishedAt time.Time
}

// FailedJob is a job that exhausted all retry attempts. Retained until
// explicitly purged.
type FailedJob struct {
	Job      *Job      `json:"job"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// NewQueue creates a queue; call Start before enqueueing.
func NewQueue(writer Writer, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Queue{
		writer: writer,
		cfg:    cfg,
		jobs:   make(chan *Job, cfg.QueueSize),
	}
}

// Start spawns the worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				q.process(ctx, job)
			}
		}()
	}
	slog.Info("Audit queue started", "workers", q.cfg.Workers, "queue_size", q.cfg.QueueSize)
}

// Enqueue accepts a job without blocking. When the buffer is full or the
// queue is stopped the job is dropped and counted; the caller is never
// delayed or failed by audit backpressure.
func (q *Queue) Enqueue(job *Job) {
	if q.stopped.Load() {
		q.drop()
		return
	}
	select {
	case q.jobs <- job:
	default:
		q.drop()
		slog.Error("Audit queue full, dropping job",
			"session_id", job.SessionID, "event_type", job.EventType)
	}
}

func (q *Queue) drop() {
	q.dropped.Add(1)
	if q.cfg.OnDrop != nil {
		q.cfg.OnDrop()
	}
}

// Stop drains buffered jobs and waits for in-flight work, bounded by ctx.
func (q *Queue) Stop(ctx context.Context) {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.jobs)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Audit queue drained")
		case <-ctx.Done():
			slog.Warn("Audit queue drain timed out", "remaining", len(q.jobs))
		}
	})
}

// process runs one job through the retry policy. The delay before retry n is
// RetryBase * 2^(n-1). Constraint violations are not retried: the row is
// already there or can never be there, so re-enqueueing cannot help.
func (q *Queue) process(ctx context.Context, job *Job) {
	attempts := 0
	op := func() error {
		attempts++
		err := q.writer.WriteEvent(ctx, job)
		if err == nil {
			return nil
		}
		if isConstraintViolation(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = q.cfg.RetryBase << uint(q.cfg.MaxAttempts)
	b.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(q.cfg.MaxAttempts-1)), ctx))

	switch {
	case err == nil:
		q.processed.Add(1)
		q.recordCompleted(job)
	case isConstraintViolation(err):
		// Logged and marked complete without retry.
		slog.Warn("Audit job hit constraint violation, not retrying",
			"session_id", job.SessionID, "event_type", job.EventType, "error", err)
		q.processed.Add(1)
		q.recordCompleted(job)
	default:
		q.failed.Add(1)
		q.recordFailed(job, err, attempts)
		payload, _ := json.Marshal(job)
		slog.Error("Audit job failed after final attempt",
			"session_id", job.SessionID,
			"event_type", job.EventType,
			"attempts", attempts,
			"error", err,
			"job", string(payload))
	}
}

// isConstraintViolation reports whether err is a Postgres integrity
// violation (duplicate key, schema constraint). SQLSTATE class 23.
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"
	}
	return false
}

func (q *Queue) recordCompleted(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, completedEntry{Job: job, FinishedAt: time.Now()})
	if len(q.completed) > completedLimit {
		q.completed = q.completed[len(q.completed)-completedLimit:]
	}
}

func (q *Queue) recordFailed(job *Job, err error, attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, FailedJob{
		Job:      job,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: time.Now(),
	})
}

// Completed returns recently completed jobs, dropping entries older than the
// retention window.
func (q *Queue) Completed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-completedRetention)
	kept := q.completed[:0]
	for _, e := range q.completed {
		if e.FinishedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	q.completed = kept
	out := make([]*Job, len(kept))
	for i, e := range kept {
		out[i] = e.Job
	}
	return out
}

// Failed returns jobs that exhausted every attempt. Retained indefinitely
// until PurgeFailed.
func (q *Queue) Failed() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedJob, len(q.failures))
	copy(out, q.failures)
	return out
}

// PurgeFailed discards the failed-job registry.
func (q *Queue) PurgeFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = nil
}

// Stats returns a snapshot of queue health.
func (q *Queue) Stats() Stats {
	return Stats{
		QueueDepth: len(q.jobs),
		Workers:    q.cfg.Workers,
		Processed:  q.processed.Load(),
		Failed:     q.failed.Load(),
		Dropped:    q.dropped.Load(),
	}
}
