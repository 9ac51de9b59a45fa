package dialogue

import (
	"time"

	"github.com/reclassroom/reclass/internal/domain"
)

// EventType names a committed change.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventTurnsCommitted EventType = "turns_committed"
	EventStatusChanged  EventType = "status_changed"
)

// Event describes a change that is already durable.
type Event struct {
	Type       EventType     `json:"type"`
	SessionID  string        `json:"session_id"`
	ScenarioID string        `json:"scenario_id"`
	StudentID  string        `json:"student_id"`
	Turns      []domain.Turn `json:"turns,omitempty"`
	Status     domain.Status `json:"status"`
	Remaining  int           `json:"remaining"`
	Responder  string        `json:"responder,omitempty"`
	Rule       string        `json:"rule,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Time       time.Time     `json:"time"`
}

// Observer receives events after they are persisted. Observe is called with
// the session lock held and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) { f(e) }
