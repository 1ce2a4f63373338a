package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q := NewQueue(NewMemoryBackend(), opts, zap.NewNop())
	t.Cleanup(q.StopProcessing)
	return q
}

func TestAddJobDefaults(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.AddJob(ctx, TypeSendWebhook, map[string]string{"url": "http://example.com"}, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempts)
}

func TestJobsProcessedInPriorityOrder(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	q.RegisterHandler(TypeSendWebhook, func(_ context.Context, job *Job) error {
		var payload struct {
			Tag string `json:"tag"`
		}
		require.NoError(t, job.UnmarshalPayload(&payload))
		mu.Lock()
		order = append(order, payload.Tag)
		mu.Unlock()
		return nil
	})

	// Enqueue before starting so the single worker drains deterministically.
	_, err := q.AddJob(ctx, TypeSendWebhook, map[string]string{"tag": "low"}, PriorityLow, 1)
	require.NoError(t, err)
	_, err = q.AddJob(ctx, TypeSendWebhook, map[string]string{"tag": "normal"}, PriorityNormal, 1)
	require.NoError(t, err)
	_, err = q.AddJob(ctx, TypeSendWebhook, map[string]string{"tag": "high"}, PriorityHigh, 1)
	require.NoError(t, err)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		stats, err := q.GetStats(ctx)
		return err == nil && stats.Completed == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

func TestEqualPriorityProcessedFIFO(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	q.RegisterHandler(TypeSendWebhook, func(_ context.Context, job *Job) error {
		var payload struct {
			Tag string `json:"tag"`
		}
		require.NoError(t, job.UnmarshalPayload(&payload))
		mu.Lock()
		order = append(order, payload.Tag)
		mu.Unlock()
		return nil
	})

	for _, tag := range []string{"first", "second", "third"} {
		_, err := q.AddJob(ctx, TypeSendWebhook, map[string]string{"tag": tag}, PriorityNormal, 1)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct createdAt
	}

	q.StartProcessing()
	require.Eventually(t, func() bool {
		stats, err := q.GetStats(ctx)
		return err == nil && stats.Completed == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestFailedJobRetriesUntilMaxAttempts(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	q.RegisterHandler(TypeCreateInstance, func(context.Context, *Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("upstream exploded")
	})

	id, err := q.AddJob(ctx, TypeCreateInstance, map[string]string{}, PriorityNormal, 2)
	require.NoError(t, err)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "upstream exploded", job.LastError)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	q.RegisterHandler(TypeCreateInstance, func(context.Context, *Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})

	id, err := q.AddJob(ctx, TypeCreateInstance, map[string]string{}, PriorityNormal, 3)
	require.NoError(t, err)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Empty(t, job.LastError)
}

func TestMissingHandlerFailsAttempt(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.AddJob(ctx, TypeAutoStopCheck, map[string]string{}, PriorityNormal, 1)
	require.NoError(t, err)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "no handler registered")
}

func TestHandlerPanicFailsAttempt(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	q.RegisterHandler(TypeSendWebhook, func(context.Context, *Job) error {
		panic("boom")
	})

	id, err := q.AddJob(ctx, TypeSendWebhook, map[string]string{}, PriorityNormal, 1)
	require.NoError(t, err)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "handler panic")
}

func TestGetJobsFilters(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	_, err := q.AddJob(ctx, TypeMigrateSpotInstances, map[string]string{}, PriorityNormal, 1)
	require.NoError(t, err)
	_, err = q.AddJob(ctx, TypeSendWebhook, map[string]string{}, PriorityNormal, 1)
	require.NoError(t, err)

	pending, err := q.GetJobs(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	migrations, err := q.GetJobs(ctx, Filter{Status: StatusPending, Type: TypeMigrateSpotInstances})
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, TypeMigrateSpotInstances, migrations[0].Type)

	limited, err := q.GetJobs(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	q := newTestQueue(t, Options{})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	q.RegisterHandler(TypeSendWebhook, func(context.Context, *Job) error {
		close(started)
		<-release
		return nil
	})

	id, err := q.AddJob(ctx, TypeSendWebhook, map[string]string{}, PriorityNormal, 1)
	require.NoError(t, err)

	q.StartProcessing()
	<-started

	done := make(chan struct{})
	go func() {
		q.Shutdown(2 * time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status, "in-flight job finishes during graceful shutdown")
}

func TestCleanupDropsOldFinishedJobs(t *testing.T) {
	backend := NewMemoryBackend()
	q := NewQueue(backend, Options{PollInterval: 5 * time.Millisecond}, zap.NewNop())
	ctx := context.Background()

	q.RegisterHandler(TypeSendWebhook, func(context.Context, *Job) error { return nil })
	id, err := q.AddJob(ctx, TypeSendWebhook, map[string]string{}, PriorityNormal, 1)
	require.NoError(t, err)

	q.StartProcessing()
	require.Eventually(t, func() bool {
		job, err := q.GetJob(ctx, id)
		return err == nil && job.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	q.StopProcessing()

	removed, err := q.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryBackoffBounds(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(1))
	assert.Equal(t, 2*time.Second, retryBackoff(2))
	assert.Equal(t, 4*time.Second, retryBackoff(3))
	assert.Equal(t, 5*time.Minute, retryBackoff(20), "backoff is capped")
}
