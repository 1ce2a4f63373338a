package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// Payload is the notification body delivered to instance webhooks.
// Receivers deduplicate on (instanceId, status, timestamp); delivery is
// at-least-once.
type Payload struct {
	InstanceID             string                 `json:"instanceId"`
	NovitaInstanceID       string                 `json:"novitaInstanceId,omitempty"`
	Status                 string                 `json:"status"`
	Timestamp              string                 `json:"timestamp"`
	Data                   map[string]interface{} `json:"data,omitempty"`
	Error                  string                 `json:"error,omitempty"`
	OperationID            string                 `json:"operationId,omitempty"`
	ElapsedTimeMs          int64                  `json:"elapsedTime,omitempty"`
	HealthCheckResult      *health.Result         `json:"healthCheckResult,omitempty"`
	HealthCheckStatus      string                 `json:"healthCheckStatus,omitempty"`
	HealthCheckStartedAt   string                 `json:"healthCheckStartedAt,omitempty"`
	HealthCheckCompletedAt string                 `json:"healthCheckCompletedAt,omitempty"`
}

// NewPayload stamps a payload with the current time in ISO-8601.
func NewPayload(instanceID, novitaID, status string) Payload {
	return Payload{
		InstanceID:       instanceID,
		NovitaInstanceID: novitaID,
		Status:           status,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

// Sender delivers webhook notifications.
type Sender interface {
	Deliver(ctx context.Context, url string, payload Payload) error
}

// Client posts webhook payloads as JSON.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Deliver posts the payload to url. Any non-2xx response is an error so the
// job queue can retry per its policy.
func (c *Client) Deliver(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gpu-control-plane/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("network_error").Inc()
		c.logger.Warn("webhook delivery failed",
			zap.String("url", url),
			zap.String("status", payload.Status),
			zap.Error(err),
		)
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		c.logger.Warn("webhook endpoint rejected payload",
			zap.String("url", url),
			zap.String("status", payload.Status),
			zap.Int("status_code", resp.StatusCode),
		)
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}

	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	c.logger.Debug("webhook delivered",
		zap.String("url", url),
		zap.String("instance_id", payload.InstanceID),
		zap.String("status", payload.Status),
	)
	return nil
}
