// Package bus provides the in-process event fan-out used to decouple the
// orchestrator's components. It carries no back-pressure guarantees and is
// not part of the external contract.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the orchestrator.
const (
	SubjectAgentConnected      = "agent.connected"
	SubjectAgentDisconnected   = "agent.disconnected"
	SubjectClientConnected     = "client.connected"
	SubjectClientDisconnected  = "client.disconnected"
	SubjectServiceConnected    = "service.connected"
	SubjectServiceDisconnected = "service.disconnected"
	SubjectTaskCompleted       = "task.completed"
	SubjectTaskFailed          = "task.failed"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the fan-out primitive. Subjects are dot-separated; Subscribe
// accepts NATS-style wildcards (* for one token, > for the rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
