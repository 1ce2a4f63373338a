package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryBackend keeps the whole queue in process memory. Used directly in
// tests and as the fallback when Redis is unavailable. Recovery is a no-op
// because nothing outlives the process.
type memoryBackend struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryBackend returns an empty in-memory queue backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{jobs: make(map[string]*Job)}
}

func (b *memoryBackend) Enqueue(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := *job
	copied.Status = StatusPending
	b.jobs[copied.ID] = &copied
	return nil
}

func (b *memoryBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (b *memoryBackend) PopPending(_ context.Context) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var top *Job
	for _, job := range b.jobs {
		if job.Status != StatusPending {
			continue
		}
		if top == nil || lessPending(job, top) {
			top = job
		}
	}
	if top == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	top.Status = StatusProcessing
	top.StartedAt = &now
	copied := *top
	return &copied, nil
}

func (b *memoryBackend) Complete(_ context.Context, job *Job) error {
	return b.finish(job, StatusCompleted)
}

func (b *memoryBackend) Fail(_ context.Context, job *Job) error {
	return b.finish(job, StatusFailed)
}

func (b *memoryBackend) finish(job *Job, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	copied := *job
	b.jobs[job.ID] = &copied
	return nil
}

func (b *memoryBackend) ScheduleRetry(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job.Status = StatusRetrying
	copied := *job
	b.jobs[job.ID] = &copied
	return nil
}

func (b *memoryBackend) PromoteDueRetries(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	promoted := 0
	for _, job := range b.jobs {
		if job.Status == StatusRetrying && job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			job.Status = StatusPending
			job.NextRetryAt = nil
			promoted++
		}
	}
	return promoted, nil
}

func (b *memoryBackend) RecoverStale(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (b *memoryBackend) List(_ context.Context, filter Filter) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]*Job, 0)
	for _, job := range b.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		copied := *job
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (b *memoryBackend) Stats(_ context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stats Stats
	for _, job := range b.jobs {
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusRetrying:
			stats.Retrying++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	stats.Total = len(b.jobs)
	return stats, nil
}

func (b *memoryBackend) Trim(_ context.Context, olderThan time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, job := range b.jobs {
		if job.Status != StatusCompleted && job.Status != StatusFailed {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(b.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// lessPending mirrors the pending sorted-set ordering: lower score first,
// member id as the tiebreak.
func lessPending(a, b *Job) bool {
	sa, sb := pendingScore(a), pendingScore(b)
	if sa != sb {
		return sa < sb
	}
	return a.ID < b.ID
}
