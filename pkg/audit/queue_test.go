package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckairos/synckairos/pkg/models"
)

// scriptedWriter fails the first failures calls, then succeeds.
type scriptedWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	jobs     []*Job
}

func (w *scriptedWriter) WriteEvent(_ context.Context, job *Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return w.err
	}
	w.jobs = append(w.jobs, job)
	return nil
}

func (w *scriptedWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func testJob(sessionID string) *Job {
	return &Job{
		SessionID: sessionID,
		EventType: EventCycleSwitched,
		Snapshot:  &models.SessionState{SessionID: sessionID, Version: 2},
		Timestamp: time.Now().UTC(),
	}
}

func fastConfig() Config {
	return Config{Workers: 2, MaxAttempts: 3, RetryBase: 5 * time.Millisecond, QueueSize: 8}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueue_ProcessesJob(t *testing.T) {
	w := &scriptedWriter{}
	q := NewQueue(w, fastConfig())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	q.Enqueue(testJob("s1"))

	waitFor(t, func() bool { return q.Stats().Processed == 1 })
	assert.Len(t, q.Completed(), 1)
	assert.Empty(t, q.Failed())
}

func TestQueue_RetriesTransientFailure(t *testing.T) {
	w := &scriptedWriter{failures: 2, err: errors.New("connection refused")}
	q := NewQueue(w, fastConfig())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	q.Enqueue(testJob("s1"))

	waitFor(t, func() bool { return q.Stats().Processed == 1 })
	assert.Equal(t, 3, w.callCount())
	assert.Zero(t, q.Stats().Failed)
}

func TestQueue_ExhaustsAttempts(t *testing.T) {
	w := &scriptedWriter{failures: 100, err: errors.New("connection refused")}
	q := NewQueue(w, fastConfig())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	q.Enqueue(testJob("s1"))

	waitFor(t, func() bool { return q.Stats().Failed == 1 })
	assert.Equal(t, 3, w.callCount())

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "s1", failed[0].Job.SessionID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, "connection refused")

	q.PurgeFailed()
	assert.Empty(t, q.Failed())
}

func TestQueue_ConstraintViolationNotRetried(t *testing.T) {
	w := &scriptedWriter{failures: 100, err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}}
	q := NewQueue(w, fastConfig())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	q.Enqueue(testJob("s1"))

	// Marked complete after a single attempt: re-enqueueing cannot help.
	waitFor(t, func() bool { return q.Stats().Processed == 1 })
	assert.Equal(t, 1, w.callCount())
	assert.Empty(t, q.Failed())
	assert.Len(t, q.Completed(), 1)
}

func TestQueue_DropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	var started atomic.Int32
	w := &blockingWriter{block: block, started: &started}

	var drops atomic.Int64
	cfg := Config{Workers: 1, MaxAttempts: 1, RetryBase: time.Millisecond, QueueSize: 2,
		OnDrop: func() { drops.Add(1) }}
	q := NewQueue(w, cfg)
	q.Start(context.Background())

	// One job occupies the worker, two fill the buffer, the rest drop.
	for i := 0; i < 6; i++ {
		q.Enqueue(testJob("s1"))
	}
	waitFor(t, func() bool { return started.Load() == 1 })

	stats := q.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, int64(3))
	assert.Equal(t, stats.Dropped, drops.Load())

	close(block)
	q.Stop(context.Background())
}

type blockingWriter struct {
	block   chan struct{}
	started *atomic.Int32
}

func (w *blockingWriter) WriteEvent(context.Context, *Job) error {
	w.started.Add(1)
	<-w.block
	return nil
}

func TestQueue_EnqueueAfterStopDrops(t *testing.T) {
	w := &scriptedWriter{}
	q := NewQueue(w, fastConfig())
	q.Start(context.Background())
	q.Stop(context.Background())

	q.Enqueue(testJob("s1"))
	assert.Equal(t, int64(1), q.Stats().Dropped)
}

func TestQueue_CompletedRegistryCapped(t *testing.T) {
	w := &scriptedWriter{}
	q := NewQueue(w, Config{Workers: 4, MaxAttempts: 1, RetryBase: time.Millisecond, QueueSize: 256})
	q.Start(context.Background())

	const jobs = 150
	for i := 0; i < jobs; i++ {
		q.Enqueue(testJob("s1"))
	}
	waitFor(t, func() bool { return q.Stats().Processed == jobs })
	q.Stop(context.Background())

	assert.Len(t, q.Completed(), completedLimit)
}
