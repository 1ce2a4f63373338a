package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/webhooks"
	"github.com/crosslogic/gpu-control-plane/pkg/events"
	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// MigratePayload tunes one migration batch. DryRun defaults to the
// worker config when the payload leaves it unset.
type MigratePayload struct {
	DryRun bool `json:"dryRun,omitempty"`
}

// MigrationResult summarizes one batch. Only exited instances count
// toward totalProcessed; running ones are filtered out up front.
type MigrationResult struct {
	TotalProcessed  int   `json:"totalProcessed"`
	Migrated        int   `json:"migrated"`
	Skipped         int   `json:"skipped"`
	Errors          int   `json:"errors"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// HandleMigrateSpotInstances migrates reclaimed spot instances. A single
// upstream failure is counted, not fatal for the batch.
func (w *Workers) HandleMigrateSpotInstances(ctx context.Context, job *jobs.Job) error {
	var payload MigratePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode migration payload: %w", err)
	}
	dryRun := payload.DryRun || w.cfg.MigrationDryRun

	result, err := w.runMigrationBatch(ctx, dryRun)
	if w.recorder != nil {
		w.recorder.RecordRun(err == nil)
	}
	if err != nil {
		return err
	}

	w.logger.Info("spot migration batch finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("total_processed", result.TotalProcessed),
		zap.Int("migrated", result.Migrated),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors),
		zap.Int64("execution_time_ms", result.ExecutionTimeMs),
	)
	return nil
}

// RunMigrationBatch is exposed so tests and admin tooling can trigger a
// batch outside the queue.
func (w *Workers) RunMigrationBatch(ctx context.Context, dryRun bool) (*MigrationResult, error) {
	return w.runMigrationBatch(ctx, dryRun)
}

func (w *Workers) runMigrationBatch(ctx context.Context, dryRun bool) (*MigrationResult, error) {
	started := time.Now()

	upstreamInstances, err := w.upstream.ListAllInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances for migration: %w", err)
	}

	result := &MigrationResult{}
	for _, ui := range upstreamInstances {
		if instance.MapUpstreamStatus(ui.Status) != instance.StatusExited {
			continue
		}
		result.TotalProcessed++

		if !migrationEligible(ui) {
			result.Skipped++
			continue
		}
		if dryRun {
			w.logger.Info("dry run: instance eligible for migration",
				zap.String("novita_instance_id", ui.ID),
				zap.String("spot_status", ui.SpotStatus),
			)
			result.Migrated++
			continue
		}

		resp, err := w.upstream.MigrateInstance(ctx, ui.ID)
		if err != nil {
			metrics.MigrationsTotal.WithLabelValues("error").Inc()
			w.logger.Error("spot migration failed",
				zap.String("novita_instance_id", ui.ID),
				zap.Error(err),
			)
			result.Errors++
			continue
		}
		metrics.MigrationsTotal.WithLabelValues("migrated").Inc()
		result.Migrated++
		w.notifyMigrated(ctx, ui.ID, resp.NewInstanceID)
	}

	result.ExecutionTimeMs = time.Since(started).Milliseconds()
	return result, nil
}

// migrationEligible reports whether a reclaimed spot instance should be
// migrated: spot-billed and not explicitly unreclaimed. A reclaim time
// of "0" means the instance exited on its own.
func migrationEligible(ui novita.Instance) bool {
	return ui.SpotStatus != "" && ui.SpotReclaimTime != "0"
}

func (w *Workers) notifyMigrated(ctx context.Context, novitaID, newNovitaID string) {
	state := w.service.Store().FindByNovitaID(novitaID)
	if state == nil {
		return
	}
	if newNovitaID != "" {
		if _, err := w.service.UpdateInstanceState(ctx, state.ID, func(st *instance.State) error {
			st.NovitaID = newNovitaID
			return nil
		}); err != nil {
			w.logger.Warn("failed to record migrated instance id",
				zap.String("instance_id", state.ID),
				zap.Error(err),
			)
		}
	}
	w.service.PublishEvent(ctx, events.EventInstanceMigrated, state.ID, map[string]interface{}{
		"newInstanceId": newNovitaID,
	})
	w.service.EnqueueWebhook(ctx, state, func(p *webhooks.Payload) {
		p.Status = "migrated"
		if newNovitaID != "" {
			p.Data = map[string]interface{}{"newInstanceId": newNovitaID}
		}
	})
}
