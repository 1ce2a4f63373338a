package instance

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
)

// Status is an instance's position in its lifecycle.
type Status string

const (
	StatusCreating       Status = "creating"
	StatusCreated        Status = "created"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusHealthChecking Status = "health_checking"
	StatusReady          Status = "ready"
	StatusStopping       Status = "stopping"
	StatusStopped        Status = "stopped"
	StatusExited         Status = "exited"
	StatusFailed         Status = "failed"
	StatusTerminated     Status = "terminated"
)

// validTransitions is the lifecycle graph. Failed and terminated are
// reachable from anywhere; same-status updates are idempotent no-ops.
var validTransitions = map[Status][]Status{
	StatusCreating:       {StatusCreated, StatusStarting},
	StatusCreated:        {StatusStarting},
	StatusStarting:       {StatusCreated, StatusRunning, StatusHealthChecking, StatusExited},
	StatusRunning:        {StatusHealthChecking, StatusReady, StatusStopping, StatusExited},
	StatusHealthChecking: {StatusReady, StatusRunning},
	StatusReady:          {StatusStopping, StatusExited},
	StatusStopping:       {StatusStopped, StatusExited},
	StatusStopped:        {StatusExited, StatusStarting},
	StatusExited:         {StatusStarting},
	StatusFailed:         {},
	StatusTerminated:     {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusFailed || from == StatusTerminated {
		return false
	}
	if to == StatusFailed || to == StatusTerminated {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusTerminated
}

// Configuration is the provisioning shape of an instance.
type Configuration struct {
	GPUNum     int                   `json:"gpuNum"`
	RootfsSize int                   `json:"rootfsSize"`
	Region     string                `json:"region"`
	ImageURL   string                `json:"imageUrl"`
	ImageAuth  string                `json:"imageAuth,omitempty"`
	Ports      []novita.TemplatePort `json:"ports"`
	Envs       []novita.EnvVar       `json:"envs"`
}

// Timestamps records lifecycle milestones.
type Timestamps struct {
	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started,omitempty"`
	Ready    *time.Time `json:"ready,omitempty"`
	Failed   *time.Time `json:"failed,omitempty"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`
}

// HealthCheckStatus tracks the health-check phase of an instance.
type HealthCheckStatus string

const (
	HealthCheckPending    HealthCheckStatus = "pending"
	HealthCheckInProgress HealthCheckStatus = "in_progress"
	HealthCheckCompleted  HealthCheckStatus = "completed"
	HealthCheckFailed     HealthCheckStatus = "failed"
)

// HealthCheckState accumulates probe rounds for one instance.
type HealthCheckState struct {
	Status      HealthCheckStatus  `json:"status"`
	Config      health.CheckConfig `json:"config"`
	Results     []health.Result    `json:"results"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
}

// State is the locally owned record of one instance.
type State struct {
	ID           string               `json:"id"`
	NovitaID     string               `json:"novitaId,omitempty"`
	Name         string               `json:"name"`
	Status       Status               `json:"status"`
	ProductID    string               `json:"productId"`
	TemplateID   string               `json:"templateId"`
	Config       Configuration        `json:"configuration"`
	Timestamps   Timestamps           `json:"timestamps"`
	HealthCheck  *HealthCheckState    `json:"healthCheck,omitempty"`
	WebhookURL   string               `json:"webhookUrl,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
	PortMappings []novita.PortMapping `json:"portMappings,omitempty"`
}

// Clone deep-copies the state so readers never alias store internals.
func (s *State) Clone() *State {
	copied := *s
	if s.HealthCheck != nil {
		hc := *s.HealthCheck
		hc.Results = append([]health.Result(nil), s.HealthCheck.Results...)
		copied.HealthCheck = &hc
	}
	copied.Config.Ports = append([]novita.TemplatePort(nil), s.Config.Ports...)
	copied.Config.Envs = append([]novita.EnvVar(nil), s.Config.Envs...)
	copied.PortMappings = append([]novita.PortMapping(nil), s.PortMappings...)
	return &copied
}

// NewInstanceID generates a sortable local instance id.
func NewInstanceID() string {
	return fmt.Sprintf("inst_%d_%s", time.Now().UnixMilli(), strings.ToLower(ulid.Make().String()))
}

// MapUpstreamStatus converts an upstream status string to the local enum.
// Unknown values map to empty so callers keep the current status.
func MapUpstreamStatus(upstream string) Status {
	switch strings.ToLower(upstream) {
	case "creating", "tocreate", "pulling":
		return StatusCreating
	case "created":
		return StatusCreated
	case "starting", "tostart":
		return StatusStarting
	case "running":
		return StatusRunning
	case "stopping", "tostop":
		return StatusStopping
	case "stopped":
		return StatusStopped
	case "exited":
		return StatusExited
	case "failed":
		return StatusFailed
	case "removed", "terminated", "toremove":
		return StatusTerminated
	default:
		return ""
	}
}
