package circuitbreaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/metric"
)

// Option configures breakers created directly or through a Registry.
type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metric.Metrics
	onChange StateChangeFunc
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports state and transitions.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(o *options) {
		o.onChange = fn
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Registry owns one Breaker per name. It is created by the composition root
// and passed to the components that need breakers.
type Registry struct {
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. opts apply to every breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with cfg on first use. Later
// calls return the same instance with its state intact and ignore cfg.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Remove drops a breaker from the registry. Holders of the old instance keep using it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; !ok {
		return false
	}
	delete(r.breakers, name)
	return true
}

// Names returns registered breaker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns a snapshot of every registered breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	names := r.Names()
	out := make([]Snapshot, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if b, ok := r.breakers[name]; ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
