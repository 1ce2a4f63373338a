package workers

import (
	"context"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
)

// HandleCreateInstance runs the full provisioning flow from a queued
// request. The service already records failure state and queues the
// failure webhook; the returned error makes the queue count the attempt.
func (w *Workers) HandleCreateInstance(ctx context.Context, job *jobs.Job) error {
	var req instance.CreateRequest
	if err := job.UnmarshalPayload(&req); err != nil {
		return err
	}

	resp, err := w.service.CreateInstance(ctx, req)
	if err != nil {
		w.logger.Error("queued instance creation failed",
			zap.String("job_id", job.ID),
			zap.String("name", req.Name),
			zap.Error(err),
		)
		return err
	}

	w.logger.Info("queued instance creation succeeded",
		zap.String("job_id", job.ID),
		zap.String("instance_id", resp.InstanceID),
		zap.String("novita_instance_id", resp.NovitaInstanceID),
	)
	return nil
}
