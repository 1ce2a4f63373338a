package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents the type of event being published
type EventType string

const (
	// Instance lifecycle events
	EventInstanceCreating EventType = "instance.creating"
	EventInstanceStarting EventType = "instance.starting"
	EventInstanceReady    EventType = "instance.ready"
	EventInstanceFailed   EventType = "instance.failed"
	EventInstanceStopped  EventType = "instance.stopped"
	EventInstanceRemoved  EventType = "instance.removed"

	// Migration events
	EventInstanceMigrated EventType = "instance.migrated"

	// Queue events
	EventJobFailed EventType = "job.failed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// InstanceID is the local instance this event belongs to (optional for system events)
	InstanceID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, instanceID string, payload map[string]interface{}) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Payload:    payload,
	}
}
