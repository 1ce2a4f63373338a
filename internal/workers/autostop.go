package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
)

// AutoStopPayload optionally overrides the configured idle threshold.
type AutoStopPayload struct {
	IdleThresholdMs int64 `json:"idleThresholdMs,omitempty"`
}

// HandleAutoStopCheck stops running instances that have sat idle past
// the threshold. Last activity is lastUsed, falling back to started,
// then created.
func (w *Workers) HandleAutoStopCheck(ctx context.Context, job *jobs.Job) error {
	var payload AutoStopPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode auto-stop payload: %w", err)
	}

	threshold := w.cfg.AutoStopIdleThreshold
	if payload.IdleThresholdMs > 0 {
		threshold = time.Duration(payload.IdleThresholdMs) * time.Millisecond
	}
	if threshold <= 0 {
		return nil
	}

	now := time.Now().UTC()
	stopped := 0
	for _, state := range w.service.ListInstances(instance.StatusRunning) {
		idle := now.Sub(lastActivity(state))
		if idle <= threshold {
			continue
		}

		if _, err := w.service.StopInstance(ctx, state.ID); err != nil {
			w.logger.Warn("auto-stop failed",
				zap.String("instance_id", state.ID),
				zap.Duration("idle", idle),
				zap.Error(err),
			)
			continue
		}
		stopped++
		w.logger.Info("stopped idle instance",
			zap.String("instance_id", state.ID),
			zap.Duration("idle", idle),
		)
	}

	if stopped > 0 {
		w.logger.Info("auto-stop sweep finished", zap.Int("stopped", stopped))
	}
	return nil
}

func lastActivity(state *instance.State) time.Time {
	if state.Timestamps.LastUsed != nil {
		return *state.Timestamps.LastUsed
	}
	if state.Timestamps.Started != nil {
		return *state.Timestamps.Started
	}
	return state.Timestamps.Created
}
