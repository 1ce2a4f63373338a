// Package billing records instance runtime into Postgres and exports
// metered usage to Stripe. The whole layer is optional: without a
// database URL nothing is recorded.
//
// Schema:
//
//	CREATE TABLE instance_usage_sessions (
//	    id                 BIGSERIAL PRIMARY KEY,
//	    instance_id        TEXT NOT NULL,
//	    novita_instance_id TEXT NOT NULL DEFAULT '',
//	    product_id         TEXT NOT NULL DEFAULT '',
//	    region             TEXT NOT NULL DEFAULT '',
//	    gpu_num            INT  NOT NULL DEFAULT 1,
//	    started_at         TIMESTAMPTZ NOT NULL,
//	    ended_at           TIMESTAMPTZ,
//	    billed             BOOLEAN NOT NULL DEFAULT FALSE
//	);
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/pkg/events"
)

// Querier is the pgx surface the tracker uses. *pgxpool.Pool satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StateSource looks up instance state for session metadata.
// *instance.Store satisfies it.
type StateSource interface {
	Get(id string) *instance.State
}

// Exporter pushes an aggregated usage quantity to the billing provider.
type Exporter interface {
	ExportUsage(ctx context.Context, gpuMinutes int64) error
}

// Tracker opens a usage session when an instance becomes ready and
// closes it on stop, failure, removal or migration. A periodic loop
// aggregates closed sessions and exports them.
type Tracker struct {
	db       Querier
	states   StateSource
	exporter Exporter
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(db Querier, states StateSource, exporter Exporter, interval time.Duration, logger *zap.Logger) *Tracker {
	if interval == 0 {
		interval = time.Hour
	}
	return &Tracker{
		db:       db,
		states:   states,
		exporter: exporter,
		interval: interval,
		logger:   logger,
	}
}

// Attach subscribes the tracker to instance lifecycle events.
func (t *Tracker) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventInstanceReady, func(ctx context.Context, event events.Event) error {
		return t.OpenSession(ctx, event.InstanceID)
	})
	for _, eventType := range []events.EventType{
		events.EventInstanceStopped,
		events.EventInstanceFailed,
		events.EventInstanceRemoved,
		events.EventInstanceMigrated,
	} {
		bus.Subscribe(eventType, func(ctx context.Context, event events.Event) error {
			return t.CloseSession(ctx, event.InstanceID)
		})
	}
}

// Start launches the aggregation loop.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.aggregationLoop(ctx)
	t.logger.Info("usage tracker started", zap.Duration("interval", t.interval))
}

// Stop halts the aggregation loop and closes any sessions still open.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	if _, err := t.db.Exec(ctx,
		`UPDATE instance_usage_sessions SET ended_at = NOW() WHERE ended_at IS NULL`,
	); err != nil {
		t.logger.Warn("failed to close open usage sessions on shutdown", zap.Error(err))
	}
}

// OpenSession records the start of billable runtime for an instance.
// At most one open session exists per instance.
func (t *Tracker) OpenSession(ctx context.Context, instanceID string) error {
	novitaID, productID, region, gpuNum := "", "", "", 1
	if state := t.states.Get(instanceID); state != nil {
		novitaID = state.NovitaID
		productID = state.ProductID
		region = state.Config.Region
		if state.Config.GPUNum > 0 {
			gpuNum = state.Config.GPUNum
		}
	}

	_, err := t.db.Exec(ctx, `
		INSERT INTO instance_usage_sessions
			(instance_id, novita_instance_id, product_id, region, gpu_num, started_at)
		SELECT $1, $2, $3, $4, $5, NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM instance_usage_sessions
			WHERE instance_id = $1 AND ended_at IS NULL
		)`,
		instanceID, novitaID, productID, region, gpuNum,
	)
	if err != nil {
		t.logger.Error("failed to open usage session",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// CloseSession ends the open session for an instance, if any.
func (t *Tracker) CloseSession(ctx context.Context, instanceID string) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE instance_usage_sessions
		SET ended_at = NOW()
		WHERE instance_id = $1 AND ended_at IS NULL`,
		instanceID,
	)
	if err != nil {
		t.logger.Error("failed to close usage session",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return err
	}
	if tag.RowsAffected() > 0 {
		t.logger.Debug("usage session closed", zap.String("instance_id", instanceID))
	}
	return nil
}

func (t *Tracker) aggregationLoop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.AggregateAndExport(ctx); err != nil {
				t.logger.Error("usage aggregation failed", zap.Error(err))
			}
		}
	}
}

// AggregateAndExport sums unbilled closed sessions into GPU-minutes,
// exports the total and marks the sessions billed. Export failures leave
// sessions unbilled so the next round retries them.
func (t *Tracker) AggregateAndExport(ctx context.Context) error {
	rows, err := t.db.Query(ctx, `
		SELECT id, gpu_num, EXTRACT(EPOCH FROM (ended_at - started_at))
		FROM instance_usage_sessions
		WHERE billed = FALSE AND ended_at IS NOT NULL`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	var (
		ids        []int64
		gpuSeconds float64
	)
	for rows.Next() {
		var (
			id      int64
			gpuNum  int
			seconds float64
		)
		if err := rows.Scan(&id, &gpuNum, &seconds); err != nil {
			return err
		}
		ids = append(ids, id)
		gpuSeconds += seconds * float64(gpuNum)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	gpuMinutes := int64(gpuSeconds / 60)
	if t.exporter != nil && gpuMinutes > 0 {
		if err := t.exporter.ExportUsage(ctx, gpuMinutes); err != nil {
			return err
		}
	}

	if _, err := t.db.Exec(ctx,
		`UPDATE instance_usage_sessions SET billed = TRUE WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return err
	}

	t.logger.Info("usage aggregated",
		zap.Int("sessions", len(ids)),
		zap.Int64("gpu_minutes", gpuMinutes),
	)
	return nil
}
