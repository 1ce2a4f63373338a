package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/webhooks"
	"github.com/crosslogic/gpu-control-plane/pkg/events"
	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// HandleMonitorInstance polls a freshly created instance until it is
// ready, failed or out of budget.
func (w *Workers) HandleMonitorInstance(ctx context.Context, job *jobs.Job) error {
	return w.monitor(ctx, job, jobs.TypeMonitorInstance)
}

// HandleMonitorStartup is the restart variant: the same polling loop,
// additionally advancing the startup operation through its phases.
func (w *Workers) HandleMonitorStartup(ctx context.Context, job *jobs.Job) error {
	return w.monitor(ctx, job, jobs.TypeMonitorStartup)
}

func (w *Workers) monitor(ctx context.Context, job *jobs.Job, jobType jobs.Type) error {
	var payload instance.MonitorPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("decode monitor payload: %w", err)
	}

	state := w.service.Store().Get(payload.InstanceID)
	if state == nil || state.Status.IsTerminal() {
		// Removed or already failed; nothing left to monitor.
		return nil
	}

	if payload.MaxWaitTimeMs > 0 {
		if elapsed := time.Now().UnixMilli() - payload.StartTimeMs; elapsed > payload.MaxWaitTimeMs {
			err := fmt.Errorf("instance startup timeout after %dms (max: %dms)", elapsed, payload.MaxWaitTimeMs)
			w.service.FailInstance(ctx, payload.InstanceID, "startup monitoring", err)
			return err
		}
	}

	upstream, err := w.upstream.GetInstance(ctx, payload.NovitaInstanceID)
	if err != nil {
		if novita.IsNotFound(err) {
			w.service.HandleInstanceNotFound(ctx, payload.InstanceID, payload.NovitaInstanceID)
			return nil
		}
		return fmt.Errorf("poll instance %s: %w", payload.NovitaInstanceID, err)
	}

	switch mapped := instance.MapUpstreamStatus(upstream.Status); mapped {
	case instance.StatusRunning:
		return w.monitorRunning(ctx, jobType, payload, upstream)
	case instance.StatusCreating, instance.StatusCreated, instance.StatusStarting:
		w.refreshStatus(ctx, payload.InstanceID, mapped)
		return w.reenqueue(ctx, jobType, payload)
	case instance.StatusExited, instance.StatusFailed:
		err := fmt.Errorf("instance entered status %q during startup", upstream.Status)
		w.service.FailInstance(ctx, payload.InstanceID, "startup monitoring", err)
		return err
	default:
		w.logger.Debug("instance still transitioning",
			zap.String("instance_id", payload.InstanceID),
			zap.String("upstream_status", upstream.Status),
		)
		return w.reenqueue(ctx, jobType, payload)
	}
}

// monitorRunning handles the upstream running state: instances without
// port mappings are ready as-is, the rest go through health checking.
func (w *Workers) monitorRunning(ctx context.Context, jobType jobs.Type, payload instance.MonitorPayload, upstream *novita.Instance) error {
	startup := jobType == jobs.TypeMonitorStartup

	if len(upstream.PortMappings) == 0 {
		return w.markReady(ctx, payload, startup, nil)
	}

	checkConfig := payload.HealthCheckConfig.ToCheckConfig()
	if payload.TargetPort > 0 {
		checkConfig.TargetPort = payload.TargetPort
	}

	now := time.Now().UTC()
	entered := false
	state, err := w.service.UpdateInstanceState(ctx, payload.InstanceID, func(st *instance.State) error {
		st.PortMappings = upstream.PortMappings
		if st.Status != instance.StatusHealthChecking {
			st.Status = instance.StatusHealthChecking
			entered = true
		}
		if st.HealthCheck == nil {
			st.HealthCheck = &instance.HealthCheckState{
				Status:    instance.HealthCheckInProgress,
				Config:    checkConfig,
				StartedAt: &now,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if startup {
		w.service.Operations().Advance(payload.InstanceID, instance.OperationHealthChecking)
	}
	if entered {
		w.service.EnqueueWebhook(ctx, state, func(p *webhooks.Payload) {
			p.Status = "health_checking"
			p.OperationID = payload.OperationID
		})
	}

	checkStarted := now
	if state.HealthCheck != nil && state.HealthCheck.StartedAt != nil {
		checkStarted = *state.HealthCheck.StartedAt
	}
	if checkConfig.MaxWaitTime > 0 {
		if elapsed := time.Since(checkStarted); elapsed > checkConfig.MaxWaitTime {
			return w.failHealthCheckTimeout(ctx, payload, elapsed, checkConfig.MaxWaitTime)
		}
	}

	// The prober counts its own rounds in HealthCheckRounds.
	result := w.checker.PerformHealthChecks(ctx, upstream.PortMappings, checkConfig)

	if _, err := w.service.UpdateInstanceState(ctx, payload.InstanceID, func(st *instance.State) error {
		if st.HealthCheck == nil {
			st.HealthCheck = &instance.HealthCheckState{
				Status:    instance.HealthCheckInProgress,
				Config:    checkConfig,
				StartedAt: &checkStarted,
			}
		}
		st.HealthCheck.Results = append(st.HealthCheck.Results, *result)
		return nil
	}); err != nil {
		return err
	}

	if result.OverallStatus == health.StatusHealthy {
		return w.markReady(ctx, payload, startup, result)
	}

	w.logger.Info("health check round not yet healthy",
		zap.String("instance_id", payload.InstanceID),
		zap.String("overall_status", string(result.OverallStatus)),
	)
	if checkConfig.MaxWaitTime > 0 {
		if elapsed := time.Since(checkStarted); elapsed > checkConfig.MaxWaitTime {
			return w.failHealthCheckTimeout(ctx, payload, elapsed, checkConfig.MaxWaitTime)
		}
	}
	return w.reenqueue(ctx, jobType, payload)
}

func (w *Workers) markReady(ctx context.Context, payload instance.MonitorPayload, startup bool, result *health.Result) error {
	now := time.Now().UTC()
	state, err := w.service.UpdateInstanceState(ctx, payload.InstanceID, func(st *instance.State) error {
		st.Status = instance.StatusReady
		st.Timestamps.Ready = &now
		st.LastError = ""
		if result != nil && st.HealthCheck != nil {
			st.HealthCheck.Status = instance.HealthCheckCompleted
			st.HealthCheck.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	if startup {
		w.service.Operations().Complete(payload.InstanceID)
	}
	w.service.PublishEvent(ctx, events.EventInstanceReady, payload.InstanceID, nil)

	elapsed := now.UnixMilli() - payload.StartTimeMs
	metrics.InstanceStartupDuration.Observe(float64(elapsed) / 1000)
	w.logger.Info("instance ready",
		zap.String("instance_id", payload.InstanceID),
		zap.Int64("elapsed_ms", elapsed),
	)

	w.service.EnqueueWebhook(ctx, state, func(p *webhooks.Payload) {
		p.Status = "ready"
		p.OperationID = payload.OperationID
		p.ElapsedTimeMs = elapsed
		if result != nil {
			p.HealthCheckResult = result
			p.HealthCheckStatus = string(instance.HealthCheckCompleted)
			if state.HealthCheck != nil && state.HealthCheck.StartedAt != nil {
				p.HealthCheckStartedAt = state.HealthCheck.StartedAt.Format(time.RFC3339)
			}
			p.HealthCheckCompletedAt = now.Format(time.RFC3339)
		}
	})
	return nil
}

func (w *Workers) failHealthCheckTimeout(ctx context.Context, payload instance.MonitorPayload, elapsed, max time.Duration) error {
	timeoutErr := &instance.HealthCheckTimeoutError{
		ElapsedMs: elapsed.Milliseconds(),
		MaxMs:     max.Milliseconds(),
	}

	now := time.Now().UTC()
	if _, err := w.service.UpdateInstanceState(ctx, payload.InstanceID, func(st *instance.State) error {
		if st.HealthCheck != nil {
			st.HealthCheck.Status = instance.HealthCheckFailed
			st.HealthCheck.CompletedAt = &now
		}
		return nil
	}); err != nil {
		return err
	}

	w.service.FailInstance(ctx, payload.InstanceID, "health check", timeoutErr)
	return timeoutErr
}

// refreshStatus applies an upstream-observed status when the local
// lifecycle graph allows it.
func (w *Workers) refreshStatus(ctx context.Context, instanceID string, status instance.Status) {
	_, err := w.service.UpdateInstanceState(ctx, instanceID, func(st *instance.State) error {
		if instance.CanTransition(st.Status, status) {
			st.Status = status
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("failed to refresh instance status",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
	}
}

// reenqueue schedules the next polling round after the poll delay.
func (w *Workers) reenqueue(ctx context.Context, jobType jobs.Type, payload instance.MonitorPayload) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.MonitorPollDelay):
	}

	if _, err := w.queue.AddJob(ctx, jobType, payload, jobs.PriorityHigh, 3); err != nil {
		return fmt.Errorf("re-enqueue %s: %w", jobType, err)
	}
	return nil
}
