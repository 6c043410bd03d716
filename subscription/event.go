package subscription

import (
	"encoding/json"
	"maps"
	"time"
)

// EventType classifies a status change.
type EventType string

// Event types
const (
	EventCritical      EventType = "CRITICAL"
	EventCompletion    EventType = "COMPLETION"
	EventInformational EventType = "INFORMATIONAL"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCritical, EventCompletion, EventInformational:
		return true
	}
	return false
}

// Priority orders events inside a delivered batch.
type Priority string

// Priorities, highest first
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// FieldChange is the before and after value of one column.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// StatusChangeEvent is a normalised row change. Events are values; the
// changes map is copied in and out so an event cannot be altered after
// creation.
type StatusChangeEvent struct {
	TournamentNo string
	MatchNo      string
	EventType    EventType
	Priority     Priority
	Timestamp    time.Time

	changes map[string]FieldChange
}

// NewStatusChangeEvent creates an event holding a copy of changes.
func NewStatusChangeEvent(tournamentNo, matchNo string, eventType EventType, priority Priority,
	changes map[string]FieldChange, ts time.Time) StatusChangeEvent {
	return StatusChangeEvent{
		TournamentNo: tournamentNo,
		MatchNo:      matchNo,
		EventType:    eventType,
		Priority:     priority,
		Timestamp:    ts,
		changes:      maps.Clone(changes),
	}
}

// Changes returns a copy of the changed fields.
func (e StatusChangeEvent) Changes() map[string]FieldChange {
	return maps.Clone(e.changes)
}

// Change returns the change recorded for field.
func (e StatusChangeEvent) Change(field string) (FieldChange, bool) {
	c, ok := e.changes[field]
	return c, ok
}

type eventJSON struct {
	TournamentNo string                 `json:"tournamentNo"`
	MatchNo      string                 `json:"matchNo,omitempty"`
	EventType    EventType              `json:"eventType"`
	Priority     Priority               `json:"priority"`
	Changes      map[string]FieldChange `json:"changes"`
	Timestamp    time.Time              `json:"timestamp"`
}

// MarshalJSON implements json.Marshaler.
func (e StatusChangeEvent) MarshalJSON() ([]byte, error) {
	changes := e.changes
	if changes == nil {
		changes = map[string]FieldChange{}
	}
	return json.Marshal(eventJSON{
		TournamentNo: e.TournamentNo,
		MatchNo:      e.MatchNo,
		EventType:    e.EventType,
		Priority:     e.Priority,
		Changes:      changes,
		Timestamp:    e.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *StatusChangeEvent) UnmarshalJSON(data []byte) error {
	var v eventJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = NewStatusChangeEvent(v.TournamentNo, v.MatchNo, v.EventType, v.Priority, v.Changes, v.Timestamp)
	return nil
}

// Listener receives delivered batches in priority order.
type Listener func(events []StatusChangeEvent)

// Config describes one subscription request.
type Config struct {
	TournamentNumbers []string      `json:"tournamentNumbers" yaml:"tournament_numbers"`
	EventTypes        []EventType   `json:"eventTypes,omitempty" yaml:"event_types"`
	EnableBatching    bool          `json:"enableBatching" yaml:"enable_batching"`
	BatchDelay        time.Duration `json:"batchDelay" yaml:"batch_delay"`
}

func (c Config) accepts(t EventType) bool {
	if len(c.EventTypes) == 0 {
		return true
	}
	for _, want := range c.EventTypes {
		if want == t {
			return true
		}
	}
	return false
}
