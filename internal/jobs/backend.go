package jobs

import (
	"context"
	"time"
)

// Backend persists jobs and queue membership. Implementations: redisBackend
// for shared deployments, memoryBackend as the ephemeral fallback.
type Backend interface {
	// Enqueue stores the job and places it in the pending queue.
	Enqueue(ctx context.Context, job *Job) error

	// Get returns the job by id, or nil when unknown.
	Get(ctx context.Context, id string) (*Job, error)

	// PopPending atomically moves the top pending job to processing, sets
	// startedAt and returns it. Nil when the queue is empty.
	PopPending(ctx context.Context) (*Job, error)

	// Complete moves a processing job to the completed set.
	Complete(ctx context.Context, job *Job) error

	// Fail moves a processing job to the failed set.
	Fail(ctx context.Context, job *Job) error

	// ScheduleRetry moves a processing job to the retry set keyed by
	// job.NextRetryAt.
	ScheduleRetry(ctx context.Context, job *Job) error

	// PromoteDueRetries moves retry jobs whose nextRetryAt has passed back
	// into pending and returns how many were moved.
	PromoteDueRetries(ctx context.Context, now time.Time) (int, error)

	// RecoverStale requeues processing jobs older than threshold, keeping
	// their attempt counts; jobs already at max attempts are failed.
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// Stats counts jobs per state.
	Stats(ctx context.Context) (Stats, error)

	// Trim drops completed and failed jobs finished before the cutoff and
	// returns how many were removed.
	Trim(ctx context.Context, olderThan time.Duration) (int, error)
}
