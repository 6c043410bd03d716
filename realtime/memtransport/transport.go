// Package memtransport is an in-process realtime.Transport. Emit pushes a
// payload to every subscribed binding that matches it. Subscribe and remove
// failures can be injected.
package memtransport

import (
	"context"
	"sync"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
)

// Registration records one On call.
type Registration struct {
	Channel string
	Kind    string
	Filter  realtime.ChangeFilter
}

type binding struct {
	kind   string
	filter realtime.ChangeFilter
	row    realtime.RowFilter
	cb     func(realtime.Payload)
}

// Transport is safe for concurrent use.
type Transport struct {
	mu            sync.Mutex
	channels      map[*Channel]struct{}
	registrations []Registration
	removed       []string

	subscribeStatus realtime.ChannelStatus
	subscribeErr    error
	hangSubscribe   bool
	gate            chan struct{}
	removeErr       error
	removePanic     bool
}

// New creates an empty transport whose channels subscribe successfully.
func New() *Transport {
	return &Transport{
		channels:        make(map[*Channel]struct{}),
		subscribeStatus: realtime.StatusSubscribed,
	}
}

// FailSubscribe makes later Subscribe calls report status and err.
func (t *Transport) FailSubscribe(status realtime.ChannelStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeStatus = status
	t.subscribeErr = err
}

// HangSubscribe makes later Subscribe calls never report a status.
func (t *Transport) HangSubscribe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hangSubscribe = true
}

// GateSubscribe makes later Subscribe calls wait until the returned
// function is called before reporting their status.
func (t *Transport) GateSubscribe() (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()
	return func() { once.Do(func() { close(gate) }) }
}

// FailRemove makes RemoveChannel return err. With panics set it panics instead.
func (t *Transport) FailRemove(err error, panics bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeErr = err
	t.removePanic = panics
}

// Reset restores successful subscribe and remove behaviour.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeStatus = realtime.StatusSubscribed
	t.subscribeErr = nil
	t.hangSubscribe = false
	t.gate = nil
	t.removeErr = nil
	t.removePanic = false
}

// Channel creates a channel. Channels are tracked until removed.
func (t *Transport) Channel(name string) realtime.Channel {
	ch := &Channel{name: name, transport: t}
	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

// RemoveChannel forgets ch. The channel stops receiving even when an
// injected failure is returned.
func (t *Transport) RemoveChannel(_ context.Context, ch realtime.Channel) error {
	t.mu.Lock()
	c, ok := ch.(*Channel)
	if ok {
		delete(t.channels, c)
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
	}
	t.removed = append(t.removed, ch.Name())
	err, panics := t.removeErr, t.removePanic
	t.mu.Unlock()

	if panics {
		panic("memtransport: remove channel " + ch.Name())
	}
	if err != nil {
		return errors.WrapTransient(err, "memtransport", "RemoveChannel", ch.Name())
	}
	return nil
}

// Emit delivers p to every matching binding and returns the number of
// callbacks invoked. Callbacks run on the caller's goroutine.
func (t *Transport) Emit(p realtime.Payload) int {
	var targets []func(realtime.Payload)

	t.mu.Lock()
	for ch := range t.channels {
		ch.mu.Lock()
		if ch.subscribed {
			for _, b := range ch.bindings {
				if b.kind == realtime.KindPostgresChanges && b.filter.Matches(p) && b.row.Match(p.Row()) {
					targets = append(targets, b.cb)
				}
			}
		}
		ch.mu.Unlock()
	}
	t.mu.Unlock()

	for _, cb := range targets {
		cb(p)
	}
	return len(targets)
}

// OpenChannels returns the number of channels not yet removed.
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Registrations returns every On call in order.
func (t *Transport) Registrations() []Registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Registration(nil), t.registrations...)
}

// Removed returns the names passed to RemoveChannel in order.
func (t *Transport) Removed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.removed...)
}

// Channel is an in-process channel.
type Channel struct {
	name      string
	transport *Transport

	mu         sync.Mutex
	bindings   []binding
	subscribed bool
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// On adds a binding. A filter that fails to parse matches nothing.
func (c *Channel) On(kind string, filter realtime.ChangeFilter, cb func(realtime.Payload)) realtime.Channel {
	row, err := realtime.ParseFilter(filter.Filter)
	if err != nil {
		row = realtime.RowFilter{Column: filter.Filter, Op: "invalid"}
	}

	c.mu.Lock()
	c.bindings = append(c.bindings, binding{kind: kind, filter: filter, row: row, cb: cb})
	c.mu.Unlock()

	c.transport.mu.Lock()
	c.transport.registrations = append(c.transport.registrations, Registration{Channel: c.name, Kind: kind, Filter: filter})
	c.transport.mu.Unlock()
	return c
}

// Subscribe activates the bindings and reports the outcome asynchronously.
func (c *Channel) Subscribe(cb func(realtime.ChannelStatus, error)) realtime.Channel {
	c.transport.mu.Lock()
	status, err, hang, gate := c.transport.subscribeStatus, c.transport.subscribeErr, c.transport.hangSubscribe, c.transport.gate
	c.transport.mu.Unlock()

	if hang {
		return c
	}
	go func() {
		if gate != nil {
			<-gate
		}
		if status == realtime.StatusSubscribed {
			c.mu.Lock()
			c.subscribed = true
			c.mu.Unlock()
		}
		if cb != nil {
			cb(status, err)
		}
	}()
	return c
}
