// Package realtime defines the row-change transport consumed by the
// subscription manager. A Transport hands out named channels; a channel
// registers change bindings with On and activates them with Subscribe.
//
// Implementations live in realtime/natstransport (NATS subjects) and
// realtime/memtransport (in-process, for tests and local runs).
package realtime

import (
	"context"
	"encoding/json"
)

// KindPostgresChanges is the binding kind for row-change notifications.
const KindPostgresChanges = "postgres_changes"

// Row change event names. EventAll matches every event.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventAll    = "*"
)

// DefaultSchema is used when a ChangeFilter leaves Schema empty.
const DefaultSchema = "public"

// ChannelStatus is reported to the Subscribe callback.
type ChannelStatus string

// Channel statuses
const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// ChangeFilter selects row changes for a binding. Filter is a row-level
// expression understood by ParseFilter, e.g. "no=in.(T1,T2)".
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Payload is one row change.
type Payload struct {
	EventType       string         `json:"eventType"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp,omitempty"`
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`

	// Raw holds the encoded message as received, if any.
	Raw []byte `json:"-"`
}

// Empty reports whether the payload carries no row data.
func (p Payload) Empty() bool {
	return len(p.New) == 0 && len(p.Old) == 0
}

// Size returns the wire size of the payload.
func (p Payload) Size() int {
	if len(p.Raw) > 0 {
		return len(p.Raw)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(data)
}

// Row returns the row the filter applies to: New, or Old for deletes.
func (p Payload) Row() map[string]any {
	if len(p.New) == 0 {
		return p.Old
	}
	return p.New
}

// Transport opens and tears down channels.
type Transport interface {
	Channel(name string) Channel
	RemoveChannel(ctx context.Context, ch Channel) error
}

// Channel is a named group of change bindings.
type Channel interface {
	Name() string
	On(kind string, filter ChangeFilter, cb func(Payload)) Channel
	Subscribe(cb func(status ChannelStatus, err error)) Channel
}

// Matches reports whether p satisfies the event, schema and table of f.
// The row-level Filter is evaluated separately with ParseFilter.
func (f ChangeFilter) Matches(p Payload) bool {
	if f.Event != "" && f.Event != EventAll && f.Event != p.EventType {
		return false
	}
	schema := f.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if p.Schema != "" && p.Schema != schema {
		return false
	}
	return f.Table == "" || f.Table == p.Table
}
