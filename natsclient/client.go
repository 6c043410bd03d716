// Package natsclient manages the NATS connection used by the realtime
// transport and the JetStream KV storage tier. Connection attempts and
// JetStream management calls are guarded by a circuit breaker.
package natsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ecologicaleaving/startapp-sub002/circuitbreaker"
	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BreakerName is the registry name of the connection breaker.
const BreakerName = "nats-connection"

// Client manages one NATS connection.
type Client struct {
	url    string
	status atomic.Int32
	logger *slog.Logger

	breaker *circuitbreaker.Breaker
	metrics *metric.Metrics

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	username      string
	password      string
	token         string
	tlsConfig     *tls.Config

	onHealthChange func(bool)

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	closed atomic.Bool
}

// NewClient creates a client. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url is empty")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		clientName:    "refwatch",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient")
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(BreakerName, circuitbreaker.DefaultConfig(),
			circuitbreaker.WithLogger(c.logger), circuitbreaker.WithMetrics(c.metrics))
	}
	c.setStatus(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
}

// IsHealthy returns true when connected
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Breaker returns the breaker guarding this connection
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// Conn returns the underlying connection, nil before Connect
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Connect dials the server. A refused attempt returns errors.ErrCircuitOpen.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}
	if c.IsHealthy() {
		return nil
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		c.setStatus(StatusConnecting)
		c.logger.Info("Connecting to NATS", "url", c.url)

		type result struct {
			conn *nats.Conn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			conn, err := nats.Connect(c.url, c.connectionOptions()...)
			done <- result{conn, err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
			}
			js, err := jetstream.New(r.conn)
			if err != nil {
				r.conn.Close()
				return errors.WrapTransient(err, "Client", "Connect", "init jetstream")
			}
			c.mu.Lock()
			c.conn = r.conn
			c.js = js
			c.mu.Unlock()
			return nil
		case <-ctx.Done():
			// a late connection is closed once it arrives
			go func() {
				if r := <-done; r.conn != nil {
					r.conn.Close()
				}
			}()
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Connect", ctx.Err().Error())
		}
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		c.metrics.RecordNATSStatus(false)
		return err
	}

	c.setStatus(StatusConnected)
	c.metrics.RecordNATSStatus(true)
	c.logger.Info("Connected to NATS", "url", c.url)
	c.notifyHealth(true)
	return nil
}

// WaitForConnection blocks until the client is connected or ctx is done
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "WaitForConnection", ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

// Publish sends data on subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connected("Publish")
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Subscribe registers handler for subject. The caller owns the subscription.
func (c *Client) Subscribe(_ context.Context, subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn, err := c.connected("Subscribe")
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}
	return sub, nil
}

// Flush round-trips to the server so that prior subscriptions are registered
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connected("Flush")
	if err != nil {
		return err
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush connection")
	}
	return nil
}

// KeyValue returns the bucket named in cfg, creating it when missing.
func (c *Client) KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if _, err := c.connected("KeyValue"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	var bucket jetstream.KeyValue
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return err
		}
		bucket, err = js.CreateKeyValue(ctx, cfg)
		if err != nil && isAlreadyExistsError(err) {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
		}
		return err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "KeyValue", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}
	return bucket, nil
}

// Close drains the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	c.setStatus(StatusClosed)
	if conn == nil {
		return nil
	}

	timeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	select {
	case err := <-drained:
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-time.After(timeout):
		conn.Close()
		return errors.Wrap(errors.ErrConnectionTimeout, "Client", "Close", "drain connection")
	}
}

func (c *Client) connected(method string) (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", method, "check connection")
	}
	return conn, nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.metrics.RecordNATSStatus(false)
	c.logger.Warn("NATS disconnected", "error", err)
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.metrics.RecordNATSStatus(true)
	c.metrics.RecordNATSReconnect()
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if !c.closed.Load() {
		c.setStatus(StatusDisconnected)
	}
	c.metrics.RecordNATSStatus(false)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
}

func (c *Client) notifyHealth(healthy bool) {
	if c.onHealthChange != nil {
		c.onHealthChange(healthy)
	}
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already in use")
}
