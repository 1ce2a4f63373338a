package instance

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationStatus tracks a startup operation's phase.
type OperationStatus string

const (
	OperationInitiated      OperationStatus = "initiated"
	OperationMonitoring     OperationStatus = "monitoring"
	OperationHealthChecking OperationStatus = "health_checking"
	OperationCompleted      OperationStatus = "completed"
	OperationFailed         OperationStatus = "failed"
)

func (s OperationStatus) isTerminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// OperationPhases records when each startup phase was entered.
type OperationPhases struct {
	StartRequested   time.Time  `json:"startRequested"`
	InstanceStarting *time.Time `json:"instanceStarting,omitempty"`
	HealthChecking   *time.Time `json:"healthChecking,omitempty"`
	Completed        *time.Time `json:"completed,omitempty"`
}

// Operation tracks a single in-flight startInstance call.
type Operation struct {
	OperationID      string          `json:"operationId"`
	InstanceID       string          `json:"instanceId"`
	NovitaInstanceID string          `json:"novitaInstanceId"`
	Status           OperationStatus `json:"status"`
	StartedAt        time.Time       `json:"startedAt"`
	Phases           OperationPhases `json:"phases"`
	Error            string          `json:"error,omitempty"`
}

// OperationTracker serializes startup requests per instance: at most one
// non-terminal operation may exist for an instance id. Single-process
// scope; a multi-process deployment needs this promoted to Redis with a
// TTL.
type OperationTracker struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

func NewOperationTracker() *OperationTracker {
	return &OperationTracker{ops: make(map[string]*Operation)}
}

// Begin registers a new operation. Fails with OperationInProgressError
// while a non-terminal operation exists for the instance.
func (t *OperationTracker) Begin(instanceID, novitaID string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.ops[instanceID]; ok && !existing.Status.isTerminal() {
		return nil, &OperationInProgressError{
			InstanceID:  instanceID,
			OperationID: existing.OperationID,
		}
	}

	now := time.Now().UTC()
	op := &Operation{
		OperationID:      uuid.New().String(),
		InstanceID:       instanceID,
		NovitaInstanceID: novitaID,
		Status:           OperationInitiated,
		StartedAt:        now,
		Phases:           OperationPhases{StartRequested: now},
	}
	t.ops[instanceID] = op

	copied := *op
	return &copied, nil
}

// Get returns a copy of the operation for instanceID, or nil.
func (t *OperationTracker) Get(instanceID string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[instanceID]
	if !ok {
		return nil
	}
	copied := *op
	return &copied
}

// Advance moves the operation into a new non-terminal status and stamps
// the matching phase.
func (t *OperationTracker) Advance(instanceID string, status OperationStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[instanceID]
	if !ok || op.Status.isTerminal() {
		return
	}
	op.Status = status

	now := time.Now().UTC()
	switch status {
	case OperationMonitoring:
		if op.Phases.InstanceStarting == nil {
			op.Phases.InstanceStarting = &now
		}
	case OperationHealthChecking:
		if op.Phases.HealthChecking == nil {
			op.Phases.HealthChecking = &now
		}
	}
}

// Complete marks the operation done and removes it.
func (t *OperationTracker) Complete(instanceID string) {
	t.finish(instanceID, OperationCompleted, "")
}

// Fail marks the operation failed with a reason and removes it.
func (t *OperationTracker) Fail(instanceID, reason string) {
	t.finish(instanceID, OperationFailed, reason)
}

func (t *OperationTracker) finish(instanceID string, status OperationStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[instanceID]
	if !ok {
		return
	}
	op.Status = status
	op.Error = reason
	now := time.Now().UTC()
	op.Phases.Completed = &now
	delete(t.ops, instanceID)
}

// Active returns the number of in-flight operations.
func (t *OperationTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
