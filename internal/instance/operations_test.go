package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginDeduplicatesPerInstance(t *testing.T) {
	tracker := NewOperationTracker()

	op, err := tracker.Begin("inst_1", "novita_1")
	require.NoError(t, err)
	assert.NotEmpty(t, op.OperationID)
	assert.Equal(t, OperationInitiated, op.Status)
	assert.False(t, op.Phases.StartRequested.IsZero())

	_, err = tracker.Begin("inst_1", "novita_1")
	require.Error(t, err)
	var inProgress *OperationInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, op.OperationID, inProgress.OperationID)

	// Other instances are unaffected.
	_, err = tracker.Begin("inst_2", "novita_2")
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.Active())
}

func TestAdvanceStampsPhases(t *testing.T) {
	tracker := NewOperationTracker()
	_, err := tracker.Begin("inst_1", "novita_1")
	require.NoError(t, err)

	tracker.Advance("inst_1", OperationMonitoring)
	op := tracker.Get("inst_1")
	require.NotNil(t, op)
	assert.Equal(t, OperationMonitoring, op.Status)
	assert.NotNil(t, op.Phases.InstanceStarting)
	assert.Nil(t, op.Phases.HealthChecking)

	tracker.Advance("inst_1", OperationHealthChecking)
	op = tracker.Get("inst_1")
	assert.Equal(t, OperationHealthChecking, op.Status)
	assert.NotNil(t, op.Phases.HealthChecking)
}

func TestCompleteRemovesOperation(t *testing.T) {
	tracker := NewOperationTracker()
	_, err := tracker.Begin("inst_1", "novita_1")
	require.NoError(t, err)

	tracker.Complete("inst_1")
	assert.Nil(t, tracker.Get("inst_1"))
	assert.Equal(t, 0, tracker.Active())

	// A fresh startup may begin immediately.
	_, err = tracker.Begin("inst_1", "novita_1")
	require.NoError(t, err)
}

func TestFailRemovesOperation(t *testing.T) {
	tracker := NewOperationTracker()
	_, err := tracker.Begin("inst_1", "novita_1")
	require.NoError(t, err)

	tracker.Fail("inst_1", "upstream exploded")
	assert.Nil(t, tracker.Get("inst_1"))

	_, err = tracker.Begin("inst_1", "novita_1")
	require.NoError(t, err)
}
