package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// compile-time check that the exporter satisfies the tracker's port.
var _ Exporter = (*StripeExporter)(nil)

// StripeExporter pushes GPU-minute totals as metered usage increments
// against a subscription item.
type StripeExporter struct {
	subscriptionItem string
	logger           *zap.Logger
}

func NewStripeExporter(apiKey, subscriptionItem string, logger *zap.Logger) *StripeExporter {
	stripe.Key = apiKey
	return &StripeExporter{
		subscriptionItem: subscriptionItem,
		logger:           logger,
	}
}

func (e *StripeExporter) ExportUsage(ctx context.Context, gpuMinutes int64) error {
	_, err := usagerecord.New(&stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		Quantity:         stripe.Int64(gpuMinutes),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
		SubscriptionItem: stripe.String(e.subscriptionItem),
	})
	if err != nil {
		metrics.BillingExports.WithLabelValues("error").Inc()
		return fmt.Errorf("create stripe usage record: %w", err)
	}
	metrics.BillingExports.WithLabelValues("success").Inc()

	e.logger.Info("exported usage to stripe",
		zap.Int64("gpu_minutes", gpuMinutes),
		zap.String("subscription_item", e.subscriptionItem),
	)
	return nil
}
