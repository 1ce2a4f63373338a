// Package workers holds the job handlers behind the queue: instance
// creation, startup monitoring, webhook delivery, spot migration and
// idle auto-stop.
package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/webhooks"
)

// Upstream is the slice of the Novita client the workers need beyond
// what the instance service already wraps.
type Upstream interface {
	GetInstance(ctx context.Context, instanceID string) (*novita.Instance, error)
	ListAllInstances(ctx context.Context) ([]novita.Instance, error)
	MigrateInstance(ctx context.Context, instanceID string) (*novita.MigrateInstanceResponse, error)
}

// HealthChecker runs one probe round against an instance's endpoints.
type HealthChecker interface {
	PerformHealthChecks(ctx context.Context, portMappings []novita.PortMapping, config health.CheckConfig) *health.Result
}

// MigrationRecorder receives the outcome of each migration batch. The
// migration scheduler implements it to track its failure rate.
type MigrationRecorder interface {
	RecordRun(ok bool)
}

// Config tunes handler behavior.
type Config struct {
	// MonitorPollDelay paces re-enqueued monitor jobs while an
	// instance is still coming up.
	MonitorPollDelay time.Duration
	// AutoStopIdleThreshold is how long a running instance may sit
	// unused before AUTO_STOP_CHECK stops it. Zero disables auto-stop.
	AutoStopIdleThreshold time.Duration
	// MigrationDryRun logs eligible instances without migrating them.
	MigrationDryRun bool
}

func (c *Config) withDefaults() {
	if c.MonitorPollDelay == 0 {
		c.MonitorPollDelay = 5 * time.Second
	}
}

// Workers wires job handlers to their dependencies.
type Workers struct {
	cfg      Config
	service  *instance.Service
	upstream Upstream
	checker  HealthChecker
	sender   webhooks.Sender
	queue    instance.Enqueuer
	recorder MigrationRecorder
	logger   *zap.Logger
}

func New(
	cfg Config,
	service *instance.Service,
	upstream Upstream,
	checker HealthChecker,
	sender webhooks.Sender,
	queue instance.Enqueuer,
	logger *zap.Logger,
) *Workers {
	cfg.withDefaults()
	return &Workers{
		cfg:      cfg,
		service:  service,
		upstream: upstream,
		checker:  checker,
		sender:   sender,
		queue:    queue,
		logger:   logger,
	}
}

// SetMigrationRecorder installs the scheduler's run recorder. Must be
// called before the queue starts processing.
func (w *Workers) SetMigrationRecorder(r MigrationRecorder) {
	w.recorder = r
}

// RegisterAll installs every handler on the queue.
func (w *Workers) RegisterAll(queue *jobs.Queue) {
	queue.RegisterHandler(jobs.TypeCreateInstance, w.HandleCreateInstance)
	queue.RegisterHandler(jobs.TypeMonitorInstance, w.HandleMonitorInstance)
	queue.RegisterHandler(jobs.TypeMonitorStartup, w.HandleMonitorStartup)
	queue.RegisterHandler(jobs.TypeSendWebhook, w.HandleSendWebhook)
	queue.RegisterHandler(jobs.TypeMigrateSpotInstances, w.HandleMigrateSpotInstances)
	queue.RegisterHandler(jobs.TypeAutoStopCheck, w.HandleAutoStopCheck)
}
