// Package migration schedules periodic spot-instance migration batches.
package migration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/jobs"
)

// JobQueue is the slice of the queue the scheduler needs: enqueueing
// batches and checking for in-flight ones.
type JobQueue interface {
	AddJob(ctx context.Context, jobType jobs.Type, payload interface{}, priority jobs.Priority, maxAttempts int) (string, error)
	GetJobs(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error)
}

// Config tunes the scheduler.
type Config struct {
	Enabled  bool
	Interval time.Duration // default 15m
	DryRun   bool
	// UnhealthyFailureRate marks the scheduler unhealthy once this
	// share of the last runs failed. Default 0.5.
	UnhealthyFailureRate float64
	// HealthWindow is how many recent runs the failure rate considers.
	// Default 10.
	HealthWindow int
}

func (c *Config) withDefaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Minute
	}
	if c.UnhealthyFailureRate == 0 {
		c.UnhealthyFailureRate = 0.5
	}
	if c.HealthWindow == 0 {
		c.HealthWindow = 10
	}
}

// Scheduler enqueues one MIGRATE_SPOT_INSTANCES job per interval,
// skipping ticks while a previous batch is still pending or processing.
// Queue dedup is the sole overlap guard; no distributed lock.
type Scheduler struct {
	cfg    Config
	queue  JobQueue
	logger *zap.Logger

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	recentRuns   []bool // true = batch succeeded

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(cfg Config, queue JobQueue, logger *zap.Logger) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		cfg:    cfg,
		queue:  queue,
		logger: logger,
	}
}

// Start launches the ticker loop. No-op when disabled or already running.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("spot migration scheduler disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.shuttingDown = false

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)

	s.logger.Info("spot migration scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("dry_run", s.cfg.DryRun),
	)
}

// Stop halts the ticker and waits for the loop to exit. Any in-flight
// batch keeps running on the job queue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.shuttingDown = false
	s.mu.Unlock()
	s.logger.Info("spot migration scheduler stopped")
}

// TriggerNow enqueues a batch immediately, still honoring dedup.
// Returns the id of the enqueued or already in-flight job.
func (s *Scheduler) TriggerNow(ctx context.Context) (string, error) {
	return s.enqueueBatch(ctx)
}

// RecordRun feeds a batch outcome into the health window. The migration
// worker calls this after every batch.
func (s *Scheduler) RecordRun(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentRuns = append(s.recentRuns, ok)
	if len(s.recentRuns) > s.cfg.HealthWindow {
		s.recentRuns = s.recentRuns[len(s.recentRuns)-s.cfg.HealthWindow:]
	}
}

// IsHealthy reports false when the scheduler should be running but is
// not, when shutting down, or when too many recent batches failed.
func (s *Scheduler) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled {
		return true
	}
	if !s.running || s.shuttingDown {
		return false
	}
	if len(s.recentRuns) == 0 {
		return true
	}

	failures := 0
	for _, ok := range s.recentRuns {
		if !ok {
			failures++
		}
	}
	return float64(failures)/float64(len(s.recentRuns)) < s.cfg.UnhealthyFailureRate
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.enqueueBatch(ctx); err != nil {
				s.logger.Error("failed to schedule migration batch", zap.Error(err))
			}
		}
	}
}

// enqueueBatch adds a migration job unless one is already in flight.
// A batch parked for retry backoff still counts as in flight, otherwise
// the next tick would start a second concurrent batch.
func (s *Scheduler) enqueueBatch(ctx context.Context) (string, error) {
	for _, status := range []jobs.Status{jobs.StatusPending, jobs.StatusProcessing, jobs.StatusRetrying} {
		existing, err := s.queue.GetJobs(ctx, jobs.Filter{
			Type:   jobs.TypeMigrateSpotInstances,
			Status: status,
			Limit:  1,
		})
		if err != nil {
			return "", err
		}
		if len(existing) > 0 {
			s.logger.Debug("migration batch already in flight",
				zap.String("job_id", existing[0].ID),
				zap.String("status", string(status)),
			)
			return existing[0].ID, nil
		}
	}

	id, err := s.queue.AddJob(ctx, jobs.TypeMigrateSpotInstances, map[string]interface{}{
		"dryRun": s.cfg.DryRun,
	}, jobs.PriorityNormal, 3)
	if err != nil {
		return "", err
	}
	s.logger.Info("scheduled spot migration batch", zap.String("job_id", id))
	return id, nil
}
