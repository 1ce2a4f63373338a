package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
)

// HandleSendWebhook posts one notification. Delivery failures fail the
// attempt so the queue retries with backoff; the originating workflow
// never waits on the outcome.
func (w *Workers) HandleSendWebhook(ctx context.Context, job *jobs.Job) error {
	var payload instance.WebhookJobPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}

	if err := w.sender.Deliver(ctx, payload.URL, payload.Payload); err != nil {
		w.logger.Warn("webhook delivery failed",
			zap.String("job_id", job.ID),
			zap.String("instance_id", payload.Payload.InstanceID),
			zap.String("status", payload.Payload.Status),
			zap.Error(err),
		)
		return err
	}
	return nil
}
