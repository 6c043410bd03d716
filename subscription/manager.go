// Package subscription watches tournament and match status rows over a
// realtime transport and delivers normalised, prioritised event batches to
// listeners.
//
// A Manager goes from uninitialised to initialised on Initialize (or the
// first subscribe), holds any number of subscriptions, and returns to
// uninitialised on Cleanup. Every subscription opens exactly two channels,
// one for tournament rows and one for match rows, and is admitted by the
// "realtime-status" circuit breaker.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ecologicaleaving/startapp-sub002/circuitbreaker"
	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/metric"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
)

const (
	// BreakerName is the registry name of the breaker guarding channel setup.
	BreakerName = "realtime-status"

	// MaxTournaments caps the tournaments accepted by one subscription.
	MaxTournaments = 10

	// DefaultBatchDelay applies when batching is enabled without a delay.
	DefaultBatchDelay = time.Second

	// DefaultConnectTimeout bounds the wait for both channels to subscribe.
	DefaultConnectTimeout = 10 * time.Second
)

// ErrUnknownSubscription is returned by Unsubscribe for an id it does not hold.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Status is a live view of the manager.
type Status struct {
	Initialized         bool                 `json:"initialized"`
	Subscriptions       int                  `json:"subscriptions"`
	ActiveTournaments   int                  `json:"activeTournaments"`
	ActiveMatches       int                  `json:"activeMatches"`
	CircuitBreakerState circuitbreaker.State `json:"circuitBreakerState"`
	QueuedEvents        int                  `json:"queuedEvents"`
	Listeners           int                  `json:"listeners"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records event, batch and channel metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithPerformanceMonitor receives the size of every raw message.
func WithPerformanceMonitor(monitor *metric.PerformanceMonitor) Option {
	return func(m *Manager) {
		m.monitor = monitor
	}
}

// WithBreakerConfig sets the thresholds used if the registry has no
// "realtime-status" breaker yet.
func WithBreakerConfig(cfg circuitbreaker.Config) Option {
	return func(m *Manager) {
		m.breakerCfg = cfg
	}
}

// WithConnectTimeout bounds how long a subscribe waits for channel status.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type listenerEntry struct {
	id string
	fn Listener
}

type activeSubscription struct {
	id          string
	cfg         Config
	tournaments realtime.Channel
	matches     realtime.Channel
	listenerID  string
	active      atomic.Bool
}

// Manager is safe for concurrent use. Listener callbacks run outside its lock.
type Manager struct {
	transport      realtime.Transport
	registry       *circuitbreaker.Registry
	breakerCfg     circuitbreaker.Config
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metric.Metrics
	monitor        *metric.PerformanceMonitor
	now            func() time.Time

	mu                sync.Mutex
	initialized       bool
	breaker           *circuitbreaker.Breaker
	subs              map[string]*activeSubscription
	activeTournaments map[string]int
	activeMatches     map[string]int
	listeners         []listenerEntry
	queue             []StatusChangeEvent
	timer             *time.Timer
	window            uint64
	epoch             uint64
}

// New creates an uninitialised manager. The registry is owned by the caller
// and shared with other components.
func New(transport realtime.Transport, registry *circuitbreaker.Registry, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New", "transport is nil")
	}
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New", "breaker registry is nil")
	}
	m := &Manager{
		transport:         transport,
		registry:          registry,
		breakerCfg:        circuitbreaker.DefaultConfig(),
		connectTimeout:    DefaultConnectTimeout,
		logger:            slog.Default(),
		now:               time.Now,
		subs:              make(map[string]*activeSubscription),
		activeTournaments: make(map[string]int),
		activeMatches:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "subscription-manager")
	return m, nil
}

// Initialize binds the manager to its breaker. Repeated calls are no-ops.
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initializeLocked()
}

func (m *Manager) initializeLocked() {
	if m.initialized {
		return
	}
	m.breaker = m.registry.Get(BreakerName, m.breakerCfg)
	m.initialized = true
	m.logger.Debug("Subscription manager initialized")
}

// SubscribeTournamentStatus reports whether the subscription was established.
// Refusals and failures are logged; see Subscribe for the error.
func (m *Manager) SubscribeTournamentStatus(ctx context.Context, cfg Config, listener Listener) bool {
	_, err := m.Subscribe(ctx, cfg, listener)
	return err == nil
}

// Subscribe watches up to MaxTournaments tournaments and registers listener,
// which may be nil. It returns the subscription id.
func (m *Manager) Subscribe(ctx context.Context, cfg Config, listener Listener) (string, error) {
	for _, t := range cfg.EventTypes {
		if !t.Valid() {
			return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Subscribe", fmt.Sprintf("unknown event type %q", t))
		}
	}
	numbers := m.acceptTournaments(cfg.TournamentNumbers)
	if len(numbers) == 0 {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Subscribe", "no tournament numbers")
	}
	cfg.TournamentNumbers = numbers
	if cfg.EnableBatching && cfg.BatchDelay <= 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}

	m.mu.Lock()
	m.initializeLocked()
	breaker := m.breaker
	epoch := m.epoch
	m.mu.Unlock()

	if !breaker.CanExecute() {
		rec := breaker.Recommendation()
		m.logger.Warn("Realtime subscription refused by circuit breaker", "reason", rec.Reason)
		return "", errors.WrapTransient(errors.ErrCircuitOpen, "Manager", "Subscribe", rec.Reason)
	}

	sub := &activeSubscription{id: uuid.NewString(), cfg: cfg}
	sub.tournaments = m.transport.Channel("tournament-status-"+sub.id).
		On(realtime.KindPostgresChanges, realtime.ChangeFilter{
			Event:  realtime.EventUpdate,
			Schema: realtime.DefaultSchema,
			Table:  TournamentTable,
			Filter: realtime.InFilter(tournamentColumn, numbers),
		}, func(p realtime.Payload) { m.handleTournament(sub, p) })
	sub.matches = m.transport.Channel("match-status-"+sub.id).
		On(realtime.KindPostgresChanges, realtime.ChangeFilter{
			Event:  realtime.EventUpdate,
			Schema: realtime.DefaultSchema,
			Table:  MatchTable,
			Filter: realtime.InFilter(matchColumn, numbers),
		}, func(p realtime.Payload) { m.handleMatch(sub, p) })

	// Changes can arrive as soon as a channel reports SUBSCRIBED, before
	// both channels have answered.
	if listener != nil {
		sub.listenerID = m.AddStatusListener(listener)
	}
	sub.active.Store(true)

	if err := m.awaitSubscribed(ctx, sub.tournaments, sub.matches); err != nil {
		breaker.OnFailure()
		m.discard(ctx, sub)
		m.logger.Error("Realtime subscription failed", "tournaments", len(numbers), "error", err)
		return "", err
	}
	breaker.OnSuccess()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.discard(ctx, sub)
		m.logger.Warn("Realtime subscription abandoned, manager was cleaned up", "subscription", sub.id)
		return "", errors.WrapTransient(errors.ErrNotInitialized, "Manager", "Subscribe", "cleaned up while subscribing")
	}
	m.subs[sub.id] = sub
	for _, no := range numbers {
		m.activeTournaments[no]++
		m.activeMatches[no]++
	}
	channels := 2 * len(m.subs)
	m.mu.Unlock()

	m.metrics.SetActiveChannels(channels)
	m.logger.Info("Subscribed to tournament status", "subscription", sub.id, "tournaments", numbers)
	return sub.id, nil
}

// discard tears down a subscription that never became active.
func (m *Manager) discard(ctx context.Context, sub *activeSubscription) {
	sub.active.Store(false)
	m.RemoveStatusListener(sub.listenerID)
	m.removeChannel(ctx, sub.tournaments)
	m.removeChannel(ctx, sub.matches)
}

// acceptTournaments drops blanks and duplicates and keeps the first MaxTournaments.
func (m *Manager) acceptTournaments(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, min(len(in), MaxTournaments))
	dropped := 0
	for _, no := range in {
		if no == "" {
			continue
		}
		if _, dup := seen[no]; dup {
			continue
		}
		seen[no] = struct{}{}
		if len(out) == MaxTournaments {
			dropped++
			continue
		}
		out = append(out, no)
	}
	if dropped > 0 {
		m.logger.Warn("Too many tournaments, extra ones ignored", "max", MaxTournaments, "dropped", dropped)
	}
	return out
}

type channelResult struct {
	name   string
	status realtime.ChannelStatus
	err    error
}

// awaitSubscribed subscribes both channels and waits for their first status.
func (m *Manager) awaitSubscribed(ctx context.Context, channels ...realtime.Channel) error {
	results := make(chan channelResult, len(channels))
	for _, ch := range channels {
		var once sync.Once
		name := ch.Name()
		ch.Subscribe(func(status realtime.ChannelStatus, err error) {
			first := false
			once.Do(func() {
				first = true
				results <- channelResult{name: name, status: status, err: err}
			})
			if !first && status != realtime.StatusSubscribed {
				m.logger.Warn("Realtime channel status changed", "channel", name, "status", status, "error", err)
			}
		})
	}

	timeout := time.NewTimer(m.connectTimeout)
	defer timeout.Stop()

	for range channels {
		select {
		case r := <-results:
			if r.status != realtime.StatusSubscribed {
				cause := r.err
				if cause == nil {
					cause = errors.ErrSubscriptionFailed
				}
				if r.status == realtime.StatusTimedOut {
					cause = errors.Join(errors.ErrChannelTimeout, cause)
				}
				return errors.WrapTransient(errors.Join(errors.ErrSubscriptionFailed, cause), "Manager", "Subscribe",
					fmt.Sprintf("channel %s reported %s", r.name, r.status))
			}
		case <-timeout.C:
			return errors.WrapTransient(errors.Join(errors.ErrSubscriptionFailed, errors.ErrChannelTimeout), "Manager", "Subscribe",
				"wait for channel status")
		case <-ctx.Done():
			return errors.WrapTransient(errors.Join(errors.ErrSubscriptionFailed, ctx.Err()), "Manager", "Subscribe",
				"wait for channel status")
		}
	}
	return nil
}

func (m *Manager) handleTournament(sub *activeSubscription, p realtime.Payload) {
	if !sub.active.Load() {
		return
	}
	m.monitor.RecordMessage(p.Size(), stringField(p.Row(), tournamentColumn))

	ev, err := NormalizeTournament(p, m.now())
	if err != nil {
		m.metrics.RecordRealtimeMessage(TournamentTable, "malformed")
		m.logger.Warn("Dropping malformed tournament change", "error", err)
		return
	}
	m.accept(sub, TournamentTable, ev)
}

func (m *Manager) handleMatch(sub *activeSubscription, p realtime.Payload) {
	if !sub.active.Load() {
		return
	}
	m.monitor.RecordMessage(p.Size(), stringField(p.Row(), matchColumn))

	ev, ok, err := NormalizeMatch(p, m.now())
	if err != nil {
		m.metrics.RecordRealtimeMessage(MatchTable, "malformed")
		m.logger.Warn("Dropping malformed match change", "error", err)
		return
	}
	if !ok {
		m.metrics.RecordRealtimeMessage(MatchTable, "unchanged")
		return
	}
	m.accept(sub, MatchTable, ev)
}

func (m *Manager) accept(sub *activeSubscription, table string, ev StatusChangeEvent) {
	if !sub.cfg.accepts(ev.EventType) {
		m.metrics.RecordRealtimeMessage(table, "filtered")
		return
	}
	m.metrics.RecordRealtimeMessage(table, "accepted")
	m.metrics.RecordEvent(string(ev.EventType))

	if !sub.cfg.EnableBatching {
		m.deliver([]StatusChangeEvent{ev})
		return
	}
	m.enqueue(ev, sub.cfg.BatchDelay)
}

// enqueue adds ev to the open window, arming the window timer on its first event.
func (m *Manager) enqueue(ev StatusChangeEvent, delay time.Duration) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	if m.timer == nil {
		m.window++
		window := m.window
		m.timer = time.AfterFunc(delay, func() { m.flushWindow(window) })
	}
	queued := len(m.queue)
	m.mu.Unlock()

	m.metrics.SetQueuedEvents(queued)
}

func (m *Manager) flushWindow(window uint64) {
	m.mu.Lock()
	if window != m.window || m.timer == nil {
		// superseded by Flush or Cleanup
		m.mu.Unlock()
		return
	}
	batch := m.takeQueueLocked()
	m.mu.Unlock()

	m.deliver(batch)
}

// Flush delivers queued events now instead of at the end of the window.
func (m *Manager) Flush() {
	m.mu.Lock()
	batch := m.takeQueueLocked()
	m.mu.Unlock()

	m.deliver(batch)
}

func (m *Manager) takeQueueLocked() []StatusChangeEvent {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.window++
	batch := m.queue
	m.queue = nil
	return batch
}

// deliver sorts batch by priority and hands it to a snapshot of the listeners.
func (m *Manager) deliver(batch []StatusChangeEvent) {
	m.metrics.SetQueuedEvents(m.queueLen())
	if len(batch) == 0 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority.rank() < batch[j].Priority.rank()
	})

	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	m.metrics.RecordBatch(len(batch))
	for _, l := range listeners {
		m.notify(l, slices.Clone(batch))
	}
}

func (m *Manager) notify(l listenerEntry, batch []StatusChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecordListenerError()
			m.logger.Error("Status listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(batch)
}

func (m *Manager) queueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// AddStatusListener registers fn for every delivered batch and returns its id.
func (m *Manager) AddStatusListener(fn Listener) string {
	if fn == nil {
		return ""
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()
	return id
}

// RemoveStatusListener detaches a listener. Events already queued are not
// delivered to it.
func (m *Manager) RemoveStatusListener(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeListenerLocked(id)
}

func (m *Manager) removeListenerLocked(id string) bool {
	if id == "" {
		return false
	}
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = slices.Delete(m.listeners, i, i+1)
			return true
		}
	}
	return false
}

// SubscriptionStatus returns live counts.
func (m *Manager) SubscriptionStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Initialized:         m.initialized,
		Subscriptions:       len(m.subs),
		ActiveTournaments:   len(m.activeTournaments),
		ActiveMatches:       len(m.activeMatches),
		CircuitBreakerState: circuitbreaker.StateClosed,
		QueuedEvents:        len(m.queue),
		Listeners:           len(m.listeners),
	}
	if m.breaker != nil {
		s.CircuitBreakerState = m.breaker.State()
	}
	return s
}

// Unsubscribe closes the two channels of one subscription and removes the
// listener registered with it.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return errors.WrapInvalid(ErrUnknownSubscription, "Manager", "Unsubscribe", id)
	}
	delete(m.subs, id)
	for _, no := range sub.cfg.TournamentNumbers {
		release(m.activeTournaments, no)
		release(m.activeMatches, no)
	}
	m.removeListenerLocked(sub.listenerID)
	channels := 2 * len(m.subs)
	m.mu.Unlock()

	sub.active.Store(false)
	m.removeChannel(ctx, sub.tournaments)
	m.removeChannel(ctx, sub.matches)
	m.metrics.SetActiveChannels(channels)
	m.logger.Info("Unsubscribed from tournament status", "subscription", id)
	return nil
}

// Cleanup closes every channel and resets the manager to uninitialised.
// Channel removal failures are logged and never stop the reset.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	subs := m.subs
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.window++
	m.epoch++
	m.subs = make(map[string]*activeSubscription)
	m.activeTournaments = make(map[string]int)
	m.activeMatches = make(map[string]int)
	m.queue = nil
	m.listeners = nil
	m.breaker = nil
	m.initialized = false
	m.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
		m.removeChannel(ctx, sub.tournaments)
		m.removeChannel(ctx, sub.matches)
	}
	m.metrics.SetActiveChannels(0)
	m.metrics.SetQueuedEvents(0)
	m.logger.Info("Subscription manager cleaned up", "subscriptions", len(subs))
}

func (m *Manager) removeChannel(ctx context.Context, ch realtime.Channel) {
	if ch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Channel removal panicked", "channel", ch.Name(), "panic", r)
		}
	}()
	if err := m.transport.RemoveChannel(ctx, ch); err != nil {
		m.logger.Warn("Channel removal failed", "channel", ch.Name(), "error", err)
	}
}

func release(counts map[string]int, key string) {
	if counts[key] <= 1 {
		delete(counts, key)
		return
	}
	counts[key]--
}
