package jobs

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies the handler a job is dispatched to.
type Type string

const (
	TypeCreateInstance       Type = "CREATE_INSTANCE"
	TypeMonitorInstance      Type = "MONITOR_INSTANCE"
	TypeMonitorStartup       Type = "MONITOR_STARTUP"
	TypeSendWebhook          Type = "SEND_WEBHOOK"
	TypeMigrateSpotInstances Type = "MIGRATE_SPOT_INSTANCES"
	TypeAutoStopCheck        Type = "AUTO_STOP_CHECK"
)

// Priority orders jobs in the pending queue; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

// NewJob builds a pending job with a fresh id.
func NewJob(jobType Type, payload json.RawMessage, priority Priority, maxAttempts int) *Job {
	if priority == 0 {
		priority = PriorityNormal
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Job{
		ID:          ulid.Make().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

// UnmarshalPayload decodes the job payload into dest.
func (j *Job) UnmarshalPayload(dest interface{}) error {
	return json.Unmarshal(j.Payload, dest)
}

// pendingScore orders the pending queue: higher priority first, then
// earlier creation; sorted-set member ties fall back to the id.
func pendingScore(j *Job) float64 {
	return float64(-int64(j.Priority)*1e13 + j.CreatedAt.UnixMilli())
}

// Filter narrows a job listing.
type Filter struct {
	Status Status
	Type   Type
	Limit  int
}

// Stats is a snapshot of queue depth per state.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
