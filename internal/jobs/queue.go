package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// Handler processes one job attempt. A returned error fails the attempt;
// the queue retries until MaxAttempts.
type Handler func(ctx context.Context, job *Job) error

const (
	minRetryBackoff = 1 * time.Second
	maxRetryBackoff = 5 * time.Minute
)

// Options tunes the queue executor.
type Options struct {
	WorkerCount         int           // parallel workers (default 1)
	PollInterval        time.Duration // idle sleep between pops (default 1s)
	StaleThreshold      time.Duration // processing age before recovery (default 5m)
	RetentionPeriod     time.Duration // completed/failed retention (default 24h)
	MaintenanceInterval time.Duration // recovery/trim cadence (default 1m)
}

func (o *Options) withDefaults() {
	if o.WorkerCount < 1 {
		o.WorkerCount = 1
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.StaleThreshold == 0 {
		o.StaleThreshold = 5 * time.Minute
	}
	if o.RetentionPeriod == 0 {
		o.RetentionPeriod = 24 * time.Hour
	}
	if o.MaintenanceInterval == 0 {
		o.MaintenanceInterval = time.Minute
	}
}

// Queue dispatches persisted jobs to registered handlers.
type Queue struct {
	backend Backend
	logger  *zap.Logger
	opts    Options

	mu       sync.RWMutex
	handlers map[Type]Handler

	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inFlight sync.Map // job id → job type
}

// NewQueue builds a queue on the given backend. Call RegisterHandler and
// then StartProcessing.
func NewQueue(backend Backend, opts Options, logger *zap.Logger) *Queue {
	opts.withDefaults()
	return &Queue{
		backend:  backend,
		logger:   logger,
		opts:     opts,
		handlers: make(map[Type]Handler),
	}
}

// RegisterHandler installs the handler for a job type, replacing any
// previous one.
func (q *Queue) RegisterHandler(jobType Type, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// AddJob enqueues a job and returns its id. The payload is marshaled to
// JSON.
func (q *Queue) AddJob(ctx context.Context, jobType Type, payload interface{}, priority Priority, maxAttempts int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %s job: %w", jobType, err)
	}

	job := NewJob(jobType, raw, priority, maxAttempts)
	if err := q.backend.Enqueue(ctx, job); err != nil {
		return "", err
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(jobType)),
		zap.Int("priority", int(job.Priority)),
	)
	return job.ID, nil
}

// GetJob returns the job by id, or nil when unknown.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.backend.Get(ctx, id)
}

// GetJobs lists jobs matching the filter.
func (q *Queue) GetJobs(ctx context.Context, filter Filter) ([]*Job, error) {
	return q.backend.List(ctx, filter)
}

// GetStats snapshots queue depth per state.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	return q.backend.Stats(ctx)
}

// Cleanup drops completed and failed jobs older than the given age.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.backend.Trim(ctx, olderThan)
}

// PerformRecoveryTasks requeues stale processing jobs and promotes due
// retries. Called once at startup before processing begins.
func (q *Queue) PerformRecoveryTasks(ctx context.Context) error {
	recovered, err := q.backend.RecoverStale(ctx, q.opts.StaleThreshold)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	promoted, err := q.backend.PromoteDueRetries(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("promote due retries: %w", err)
	}
	if recovered > 0 || promoted > 0 {
		q.logger.Info("queue recovery finished",
			zap.Int("recovered", recovered),
			zap.Int("promoted", promoted),
		)
	}
	return nil
}

// StartProcessing launches the worker and maintenance loops.
func (q *Queue) StartProcessing() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.running {
		return
	}
	q.running = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.opts.WorkerCount; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}
	q.wg.Add(1)
	go q.maintenanceLoop(ctx)

	q.logger.Info("job queue processing started",
		zap.Int("workers", q.opts.WorkerCount),
		zap.Duration("poll_interval", q.opts.PollInterval),
	)
}

// StopProcessing halts the loops after in-flight jobs complete.
func (q *Queue) StopProcessing() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if !q.running {
		return
	}
	q.running = false
	q.cancel()
	q.wg.Wait()
	q.logger.Info("job queue processing stopped")
}

// Shutdown stops pulling new jobs and waits up to grace for in-flight
// handlers to drain. Jobs still running after the grace period are logged
// and left to the stale-recovery path.
func (q *Queue) Shutdown(grace time.Duration) {
	q.runMu.Lock()
	if !q.running {
		q.runMu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("job queue drained")
	case <-time.After(grace):
		var remaining []string
		q.inFlight.Range(func(key, _ interface{}) bool {
			remaining = append(remaining, key.(string))
			return true
		})
		q.logger.Warn("job queue shutdown grace period elapsed",
			zap.Duration("grace", grace),
			zap.Strings("remaining_job_ids", remaining),
		)
	}
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything currently available before sleeping.
		for {
			if ctx.Err() != nil {
				return
			}
			processed, err := q.processNext(ctx)
			if err != nil {
				q.logger.Error("worker pop failed",
					zap.Int("worker", worker),
					zap.Error(err),
				)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ticker.C:
			if _, err := q.backend.PromoteDueRetries(ctx, time.Now()); err != nil && ctx.Err() == nil {
				q.logger.Error("retry promotion failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// processNext pops and executes one job. Returns false when the queue was
// empty.
func (q *Queue) processNext(ctx context.Context) (bool, error) {
	job, err := q.backend.PopPending(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	q.inFlight.Store(job.ID, string(job.Type))
	defer q.inFlight.Delete(job.ID)

	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	job.Attempts++

	start := time.Now()
	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("no handler registered for job type %s", job.Type)
	} else {
		handlerErr = q.invoke(ctx, handler, job)
	}
	duration := time.Since(start)

	// Outcome writes must land even when the worker context was canceled
	// mid-handler during shutdown.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx = persistCtx

	if handlerErr == nil {
		metrics.ObserveJob(string(job.Type), "success", duration.Seconds())
		job.LastError = ""
		if err := q.backend.Complete(ctx, job); err != nil {
			return true, err
		}
		q.logger.Debug("job completed",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Duration("duration", duration),
		)
		return true, nil
	}

	job.LastError = handlerErr.Error()

	if job.Attempts < job.MaxAttempts {
		metrics.ObserveJob(string(job.Type), "retry", duration.Seconds())
		retryAt := time.Now().Add(retryBackoff(job.Attempts)).UTC()
		job.NextRetryAt = &retryAt
		if err := q.backend.ScheduleRetry(ctx, job); err != nil {
			return true, err
		}
		q.logger.Warn("job attempt failed, scheduled for retry",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Time("next_retry_at", retryAt),
			zap.Error(handlerErr),
		)
		return true, nil
	}

	metrics.ObserveJob(string(job.Type), "failure", duration.Seconds())
	if err := q.backend.Fail(ctx, job); err != nil {
		return true, err
	}
	q.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempts", job.Attempts),
		zap.Error(handlerErr),
	)
	return true, nil
}

// invoke runs the handler, converting panics into attempt failures.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) maintenanceLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := q.backend.RecoverStale(ctx, q.opts.StaleThreshold); err != nil && ctx.Err() == nil {
				q.logger.Error("stale job recovery failed", zap.Error(err))
			}
			if _, err := q.backend.PromoteDueRetries(ctx, time.Now()); err != nil && ctx.Err() == nil {
				q.logger.Error("retry promotion failed", zap.Error(err))
			}
			if _, err := q.backend.Trim(ctx, q.opts.RetentionPeriod); err != nil && ctx.Err() == nil {
				q.logger.Error("queue trim failed", zap.Error(err))
			}
			if stats, err := q.backend.Stats(ctx); err == nil {
				metrics.SetQueueDepth(stats.Pending, stats.Processing, stats.Retrying, stats.Completed, stats.Failed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// retryBackoff grows exponentially with the attempt count, clamped to
// [1s, 5m].
func retryBackoff(attempts int) time.Duration {
	backoff := time.Duration(float64(minRetryBackoff) * math.Pow(2, float64(attempts-1)))
	if backoff < minRetryBackoff {
		return minRetryBackoff
	}
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}
