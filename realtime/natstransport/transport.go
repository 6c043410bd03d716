// Package natstransport carries row changes over NATS. Each change is a
// JSON realtime.Payload published on realtime.<schema>.<table>.<event>.
package natstransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
)

// DefaultPrefix is the first subject token.
const DefaultPrefix = "realtime"

// Conn is the subset of natsclient.Client used by the transport.
type Conn interface {
	Subscribe(ctx context.Context, subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Publish(ctx context.Context, subject string, data []byte) error
	Flush(ctx context.Context) error
}

// Option configures the transport.
type Option func(*Transport)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSubscribeTimeout bounds the flush that confirms a subscription.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.subscribeTimeout = d
		}
	}
}

// Transport implements realtime.Transport over a NATS connection.
type Transport struct {
	conn             Conn
	prefix           string
	logger           *slog.Logger
	subscribeTimeout time.Duration
}

// New creates a transport on conn.
func New(conn Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:             conn,
		prefix:           DefaultPrefix,
		logger:           slog.Default(),
		subscribeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "natstransport")
	return t
}

// Subject returns the subject a change filter listens on.
func (t *Transport) Subject(f realtime.ChangeFilter) string {
	schema := f.Schema
	if schema == "" {
		schema = realtime.DefaultSchema
	}
	table := f.Table
	if table == "" {
		table = "*"
	}
	event := f.Event
	if event == "" || event == realtime.EventAll {
		event = "*"
	}
	return strings.Join([]string{t.prefix, token(schema), token(table), token(event)}, ".")
}

// Publish sends a row change to the subject subscribers of its table listen on.
func (t *Transport) Publish(ctx context.Context, p realtime.Payload) error {
	if p.Table == "" || p.EventType == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "natstransport", "Publish", "table and eventType are required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return errors.WrapInvalid(err, "natstransport", "Publish", "encode payload")
	}
	subject := t.Subject(realtime.ChangeFilter{Event: p.EventType, Schema: p.Schema, Table: p.Table})
	return t.conn.Publish(ctx, subject, data)
}

// Channel creates an inactive channel.
func (t *Transport) Channel(name string) realtime.Channel {
	return &Channel{name: name, transport: t}
}

// RemoveChannel unsubscribes every binding of ch.
func (t *Transport) RemoveChannel(_ context.Context, ch realtime.Channel) error {
	c, ok := ch.(*Channel)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidData, "natstransport", "RemoveChannel", "foreign channel")
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.WrapTransient(errors.Join(errs...), "natstransport", "RemoveChannel", c.name)
	}
	return nil
}

type binding struct {
	kind   string
	filter realtime.ChangeFilter
	row    realtime.RowFilter
	cb     func(realtime.Payload)
	err    error
}

// Channel groups NATS subscriptions.
type Channel struct {
	name      string
	transport *Transport

	mu       sync.Mutex
	bindings []binding
	subs     []*nats.Subscription
	closed   bool
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// On adds a binding. Filter errors surface from Subscribe.
func (c *Channel) On(kind string, filter realtime.ChangeFilter, cb func(realtime.Payload)) realtime.Channel {
	row, err := realtime.ParseFilter(filter.Filter)
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{kind: kind, filter: filter, row: row, cb: cb, err: err})
	c.mu.Unlock()
	return c
}

// Subscribe creates the NATS subscriptions on a separate goroutine and
// reports SUBSCRIBED once the server has acknowledged them.
func (c *Channel) Subscribe(cb func(realtime.ChannelStatus, error)) realtime.Channel {
	if cb == nil {
		cb = func(realtime.ChannelStatus, error) {}
	}
	go func() {
		status, err := c.subscribe()
		cb(status, err)
	}()
	return c
}

func (c *Channel) subscribe() (realtime.ChannelStatus, error) {
	t := c.transport
	ctx, cancel := context.WithTimeout(context.Background(), t.subscribeTimeout)
	defer cancel()

	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return realtime.StatusClosed, errors.WrapInvalid(errors.ErrSubscriptionFailed, "natstransport", "Subscribe", "channel removed")
	}

	var subs []*nats.Subscription
	fail := func(status realtime.ChannelStatus, err error) (realtime.ChannelStatus, error) {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		return status, err
	}

	for _, b := range bindings {
		if b.err != nil {
			return fail(realtime.StatusChannelError, b.err)
		}
		if b.kind != realtime.KindPostgresChanges {
			return fail(realtime.StatusChannelError,
				errors.WrapInvalid(errors.ErrSubscriptionFailed, "natstransport", "Subscribe", "unsupported kind "+b.kind))
		}
		sub, err := t.conn.Subscribe(ctx, t.Subject(b.filter), c.handler(b))
		if err != nil {
			return fail(realtime.StatusChannelError, errors.Wrap(err, "natstransport", "Subscribe", c.name))
		}
		subs = append(subs, sub)
	}

	if err := t.conn.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			return fail(realtime.StatusTimedOut, errors.WrapTransient(errors.ErrChannelTimeout, "natstransport", "Subscribe", c.name))
		}
		return fail(realtime.StatusChannelError, errors.Wrap(err, "natstransport", "Subscribe", c.name))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fail(realtime.StatusClosed, errors.WrapInvalid(errors.ErrSubscriptionFailed, "natstransport", "Subscribe", "channel removed"))
	}
	c.subs = append(c.subs, subs...)
	c.mu.Unlock()

	t.logger.Debug("Channel subscribed", "channel", c.name, "bindings", len(bindings))
	return realtime.StatusSubscribed, nil
}

func (c *Channel) handler(b binding) nats.MsgHandler {
	return func(msg *nats.Msg) {
		p := decode(msg.Data)
		if !p.Empty() && !b.row.Match(p.Row()) {
			return
		}
		b.cb(p)
	}
}

// decode never fails. Undecodable data yields a payload with only Raw set,
// which consumers treat as malformed.
func decode(data []byte) realtime.Payload {
	var p realtime.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return realtime.Payload{Raw: data}
	}
	p.Raw = data
	return p
}

// token replaces characters that would split a subject token.
func token(s string) string {
	if s == "*" {
		return s
	}
	return strings.NewReplacer(".", "_", " ", "_", ">", "_", "*", "_").Replace(s)
}
