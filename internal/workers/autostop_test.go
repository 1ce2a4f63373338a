package workers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
)

func autoStopJob(t *testing.T, payload AutoStopPayload) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return jobs.NewJob(jobs.TypeAutoStopCheck, raw, jobs.PriorityLow, 1)
}

func TestAutoStopStopsIdleRunningInstances(t *testing.T) {
	fx := newFixture(t, Config{AutoStopIdleThreshold: 30 * time.Minute})
	ctx := context.Background()

	idle := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC().Add(-time.Minute)

	fx.service.Store().Put(ctx, &instance.State{
		ID: "inst_idle", NovitaID: "novita_1", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: idle, LastUsed: &idle},
	})
	fx.service.Store().Put(ctx, &instance.State{
		ID: "inst_busy", NovitaID: "novita_2", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: idle, LastUsed: &recent},
	})
	fx.service.Store().Put(ctx, &instance.State{
		ID: "inst_stopped", NovitaID: "novita_3", Status: instance.StatusStopped,
		Timestamps: instance.Timestamps{Created: idle},
	})

	require.NoError(t, fx.workers.HandleAutoStopCheck(ctx, autoStopJob(t, AutoStopPayload{})))

	assert.Equal(t, []string{"novita_1"}, fx.upstream.stopCalls)
	assert.Equal(t, instance.StatusStopped, fx.service.Store().Get("inst_idle").Status)
	assert.Equal(t, instance.StatusRunning, fx.service.Store().Get("inst_busy").Status)
}

func TestAutoStopFallsBackToStartedTimestamp(t *testing.T) {
	fx := newFixture(t, Config{AutoStopIdleThreshold: 30 * time.Minute})
	ctx := context.Background()

	started := time.Now().UTC().Add(-2 * time.Hour)
	fx.service.Store().Put(ctx, &instance.State{
		ID: "inst_1", NovitaID: "novita_1", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: started, Started: &started},
	})

	require.NoError(t, fx.workers.HandleAutoStopCheck(ctx, autoStopJob(t, AutoStopPayload{})))
	assert.Equal(t, []string{"novita_1"}, fx.upstream.stopCalls)
}

func TestAutoStopDisabledWithoutThreshold(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	idle := time.Now().UTC().Add(-24 * time.Hour)
	fx.service.Store().Put(ctx, &instance.State{
		ID: "inst_1", NovitaID: "novita_1", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: idle},
	})

	require.NoError(t, fx.workers.HandleAutoStopCheck(ctx, autoStopJob(t, AutoStopPayload{})))
	assert.Empty(t, fx.upstream.stopCalls)
}

func TestAutoStopPayloadOverridesThreshold(t *testing.T) {
	fx := newFixture(t, Config{AutoStopIdleThreshold: 24 * time.Hour})
	ctx := context.Background()

	idle := time.Now().UTC().Add(-time.Hour)
	fx.service.Store().Put(ctx, &instance.State{
		ID: "inst_1", NovitaID: "novita_1", Status: instance.StatusRunning,
		Timestamps: instance.Timestamps{Created: idle, LastUsed: &idle},
	})

	payload := AutoStopPayload{IdleThresholdMs: (30 * time.Minute).Milliseconds()}
	require.NoError(t, fx.workers.HandleAutoStopCheck(ctx, autoStopJob(t, payload)))
	assert.Equal(t, []string{"novita_1"}, fx.upstream.stopCalls)
}
