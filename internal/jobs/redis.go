package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// redisBackend persists the queue in Redis so multiple control-plane
// processes can share it. Layout under the configured prefix:
//
//	job:<id>          hash with the job fields
//	queue:pending     sorted set, score = -priority*1e13 + createdAtMs
//	queue:processing  sorted set, score = startedAtMs
//	queue:retry       sorted set, score = nextRetryAtMs
//	queue:completed   sorted set, score = completedAtMs
//	queue:failed      sorted set, score = completedAtMs
type redisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBackend returns a queue backend on the given Redis client.
func NewRedisBackend(client *redis.Client, keyPrefix string, logger *zap.Logger) Backend {
	return &redisBackend{
		client: client,
		prefix: keyPrefix,
		logger: logger,
	}
}

func (b *redisBackend) jobKey(id string) string  { return fmt.Sprintf("%s:job:%s", b.prefix, id) }
func (b *redisBackend) queueKey(q string) string { return fmt.Sprintf("%s:queue:%s", b.prefix, q) }

func (b *redisBackend) Enqueue(ctx context.Context, job *Job) error {
	job.Status = StatusPending

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(job.ID), jobToHash(job))
	pipe.ZAdd(ctx, b.queueKey("pending"), &redis.Z{Score: pendingScore(job), Member: job.ID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromHash(fields)
}

func (b *redisBackend) PopPending(ctx context.Context) (*Job, error) {
	popped, err := b.client.ZPopMin(ctx, b.queueKey("pending"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop pending: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, _ := popped[0].Member.(string)
	job, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Orphaned queue entry; the hash was trimmed underneath it.
		b.logger.Warn("dropping orphaned pending entry", zap.String("job_id", id))
		return nil, nil
	}

	now := time.Now().UTC()
	job.Status = StatusProcessing
	job.StartedAt = &now

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(id), jobToHash(job))
	pipe.ZAdd(ctx, b.queueKey("processing"), &redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("move job %s to processing: %w", id, err)
	}
	return job, nil
}

func (b *redisBackend) Complete(ctx context.Context, job *Job) error {
	return b.finish(ctx, job, StatusCompleted, "completed")
}

func (b *redisBackend) Fail(ctx context.Context, job *Job) error {
	return b.finish(ctx, job, StatusFailed, "failed")
}

func (b *redisBackend) finish(ctx context.Context, job *Job, status Status, queue string) error {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(job.ID), jobToHash(job))
	pipe.ZRem(ctx, b.queueKey("processing"), job.ID)
	pipe.ZAdd(ctx, b.queueKey(queue), &redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) ScheduleRetry(ctx context.Context, job *Job) error {
	if job.NextRetryAt == nil {
		return fmt.Errorf("schedule retry for job %s: nextRetryAt not set", job.ID)
	}
	job.Status = StatusRetrying

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobKey(job.ID), jobToHash(job))
	pipe.ZRem(ctx, b.queueKey("processing"), job.ID)
	pipe.ZAdd(ctx, b.queueKey("retry"), &redis.Z{Score: float64(job.NextRetryAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	due, err := b.client.ZRangeByScore(ctx, b.queueKey("retry"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	promoted := 0
	for _, id := range due {
		job, err := b.Get(ctx, id)
		if err != nil {
			return promoted, err
		}
		if job == nil {
			b.client.ZRem(ctx, b.queueKey("retry"), id)
			continue
		}

		job.Status = StatusPending
		job.NextRetryAt = nil

		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, b.jobKey(id), jobToHash(job))
		pipe.ZRem(ctx, b.queueKey("retry"), id)
		pipe.ZAdd(ctx, b.queueKey("pending"), &redis.Z{Score: pendingScore(job), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("promote retry %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

func (b *redisBackend) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).UnixMilli()
	stale, err := b.client.ZRangeByScore(ctx, b.queueKey("processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stale processing jobs: %w", err)
	}

	recovered := 0
	for _, id := range stale {
		job, err := b.Get(ctx, id)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			b.client.ZRem(ctx, b.queueKey("processing"), id)
			continue
		}

		// Attempts are preserved so max-attempt semantics still apply
		// after a crash mid-handler.
		if job.Attempts >= job.MaxAttempts {
			job.LastError = "job abandoned mid-processing after max attempts"
			if err := b.Fail(ctx, job); err != nil {
				return recovered, err
			}
			b.logger.Warn("failed stale job at max attempts", zap.String("job_id", id))
			continue
		}

		job.Status = StatusPending
		job.StartedAt = nil

		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, b.jobKey(id), jobToHash(job))
		pipe.ZRem(ctx, b.queueKey("processing"), id)
		pipe.ZAdd(ctx, b.queueKey("pending"), &redis.Z{Score: pendingScore(job), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("recover stale job %s: %w", id, err)
		}
		b.logger.Info("recovered stale processing job",
			zap.String("job_id", id),
			zap.Int("attempts", job.Attempts),
		)
		recovered++
	}
	return recovered, nil
}

var statusQueues = map[Status]string{
	StatusPending:    "pending",
	StatusProcessing: "processing",
	StatusRetrying:   "retry",
	StatusCompleted:  "completed",
	StatusFailed:     "failed",
}

func (b *redisBackend) List(ctx context.Context, filter Filter) ([]*Job, error) {
	queues := make([]string, 0, len(statusQueues))
	if filter.Status != "" {
		queue, ok := statusQueues[filter.Status]
		if !ok {
			return nil, fmt.Errorf("unknown job status %q", filter.Status)
		}
		queues = append(queues, queue)
	} else {
		for _, queue := range []string{"pending", "processing", "retry", "completed", "failed"} {
			queues = append(queues, queue)
		}
	}

	var matched []*Job
	for _, queue := range queues {
		ids, err := b.client.ZRevRange(ctx, b.queueKey(queue), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list %s queue: %w", queue, err)
		}
		for _, id := range ids {
			job, err := b.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if job == nil {
				continue
			}
			if filter.Type != "" && job.Type != filter.Type {
				continue
			}
			matched = append(matched, job)
			if filter.Limit > 0 && len(matched) >= filter.Limit {
				return matched, nil
			}
		}
	}
	return matched, nil
}

func (b *redisBackend) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	pending := pipe.ZCard(ctx, b.queueKey("pending"))
	processing := pipe.ZCard(ctx, b.queueKey("processing"))
	retrying := pipe.ZCard(ctx, b.queueKey("retry"))
	completed := pipe.ZCard(ctx, b.queueKey("completed"))
	failed := pipe.ZCard(ctx, b.queueKey("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	stats := Stats{
		Pending:    int(pending.Val()),
		Processing: int(processing.Val()),
		Retrying:   int(retrying.Val()),
		Completed:  int(completed.Val()),
		Failed:     int(failed.Val()),
	}
	stats.Total = stats.Pending + stats.Processing + stats.Retrying + stats.Completed + stats.Failed
	return stats, nil
}

func (b *redisBackend) Trim(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-olderThan).UnixMilli(), 10)

	removed := 0
	for _, queue := range []string{"completed", "failed"} {
		ids, err := b.client.ZRangeByScore(ctx, b.queueKey(queue), &redis.ZRangeBy{
			Min: "-inf",
			Max: cutoff,
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("trim %s queue: %w", queue, err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := b.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, b.jobKey(id))
		}
		pipe.ZRemRangeByScore(ctx, b.queueKey(queue), "-inf", cutoff)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("trim %s queue: %w", queue, err)
		}
		removed += len(ids)
	}
	return removed, nil
}

func jobToHash(job *Job) map[string]interface{} {
	fields := map[string]interface{}{
		"id":          job.ID,
		"type":        string(job.Type),
		"payload":     string(job.Payload),
		"priority":    int(job.Priority),
		"status":      string(job.Status),
		"attempts":    job.Attempts,
		"maxAttempts": job.MaxAttempts,
		"createdAt":   job.CreatedAt.UnixMilli(),
		"lastError":   job.LastError,
	}
	fields["startedAt"] = timeToMillis(job.StartedAt)
	fields["completedAt"] = timeToMillis(job.CompletedAt)
	fields["nextRetryAt"] = timeToMillis(job.NextRetryAt)
	return fields
}

func jobFromHash(fields map[string]string) (*Job, error) {
	priority, _ := strconv.Atoi(fields["priority"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["maxAttempts"])
	createdMs, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse job %s createdAt: %w", fields["id"], err)
	}

	job := &Job{
		ID:          fields["id"],
		Type:        Type(fields["type"]),
		Payload:     json.RawMessage(fields["payload"]),
		Priority:    Priority(priority),
		Status:      Status(fields["status"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.UnixMilli(createdMs).UTC(),
		LastError:   fields["lastError"],
	}
	job.StartedAt = timeFromMillis(fields["startedAt"])
	job.CompletedAt = timeFromMillis(fields["completedAt"])
	job.NextRetryAt = timeFromMillis(fields["nextRetryAt"])
	return job, nil
}

func timeToMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(raw string) *time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
