// Package circuitbreaker implements a named failure-isolation state machine
// and a Registry that hands out one Breaker per guarded resource.
//
// Callers consult CanExecute before every attempt and report the outcome of
// each admitted attempt exactly once with OnSuccess or OnFailure. Execute
// wraps that contract around a function.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/metric"
)

// State is the breaker state.
type State int

// Breaker states
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "circuitbreaker", "UnmarshalText", "state "+string(text))
	}
	return nil
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" validate:"min=1"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	MaxTimeout       time.Duration `json:"max_timeout" yaml:"max_timeout"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		MaxTimeout:       5 * time.Minute,
	}
}

// Validate checks thresholds and timeouts.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "circuitbreaker", "Validate", "failure_threshold must be >= 1")
	case c.SuccessThreshold < 1:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "circuitbreaker", "Validate", "success_threshold must be >= 1")
	case c.RecoveryTimeout <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "circuitbreaker", "Validate", "recovery_timeout must be positive")
	case c.MaxTimeout < c.RecoveryTimeout:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "circuitbreaker", "Validate", "max_timeout must be >= recovery_timeout")
	}
	return nil
}

// Recommendation is advisory guidance for a caller about to attempt an operation.
type Recommendation struct {
	ShouldExecute     bool   `json:"shouldExecute"`
	Reason            string `json:"reason"`
	FallbackSuggested bool   `json:"fallbackSuggested"`
}

// Snapshot is a point-in-time copy of breaker internals.
type Snapshot struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failureCount"`
	SuccessCount     int           `json:"successCount"`
	TrialsInFlight   int           `json:"trialsInFlight"`
	LastFailureTime  time.Time     `json:"lastFailureTime"`
	EffectiveTimeout time.Duration `json:"effectiveTimeout"`
	Config           Config        `json:"config"`
}

// StateChangeFunc observes transitions. It runs outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Breaker guards one named resource.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metric.Metrics
	onChange StateChangeFunc

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	trialsInFlight   int
	lastFailureTime  time.Time
	effectiveTimeout time.Duration
}

type transition struct {
	from, to State
}

// New creates a breaker. An invalid config is replaced by DefaultConfig.
func New(name string, cfg Config, opts ...Option) *Breaker {
	o := applyOptions(opts...)
	if err := cfg.Validate(); err != nil {
		o.logger.Warn("Invalid circuit breaker config, using defaults", "breaker", name, "error", err)
		cfg = DefaultConfig()
	}

	b := &Breaker{
		name:             name,
		cfg:              cfg,
		now:              o.now,
		logger:           o.logger.With("component", "circuit-breaker", "breaker", name),
		metrics:          o.metrics,
		onChange:         o.onChange,
		state:            StateClosed,
		effectiveTimeout: cfg.RecoveryTimeout,
	}
	return b
}

// Name returns the guarded resource name.
func (b *Breaker) Name() string {
	return b.name
}

// CanExecute reports whether an attempt may proceed. An OPEN breaker whose
// timeout has elapsed moves to HALF_OPEN and admits the first trial.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	var t *transition
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.effectiveTimeout {
			t = b.setState(StateHalfOpen)
			b.successCount = 0
			b.trialsInFlight = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.trialsInFlight < b.cfg.SuccessThreshold {
			b.trialsInFlight++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.emit(t)
	return allowed
}

// OnSuccess records a successful attempt.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	var t *transition

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		if b.trialsInFlight > 0 {
			b.trialsInFlight--
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			t = b.setState(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.trialsInFlight = 0
			b.effectiveTimeout = b.cfg.RecoveryTimeout
		}
	case StateOpen:
		// attempt admitted before the breaker opened
	}
	b.mu.Unlock()

	b.emit(t)
}

// OnFailure records a failed attempt.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	var t *transition

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			t = b.setState(StateOpen)
			b.lastFailureTime = b.now()
		}
	case StateHalfOpen:
		t = b.setState(StateOpen)
		b.lastFailureTime = b.now()
		b.successCount = 0
		b.trialsInFlight = 0
		b.effectiveTimeout *= 2
		if b.effectiveTimeout > b.cfg.MaxTimeout {
			b.effectiveTimeout = b.cfg.MaxTimeout
		}
	case StateOpen:
		// attempt admitted before the breaker opened
	}
	b.mu.Unlock()

	b.emit(t)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Recommendation describes what a caller should do right now. It never changes state.
func (b *Breaker) Recommendation() Recommendation {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		remaining := b.effectiveTimeout - b.now().Sub(b.lastFailureTime)
		if remaining <= 0 {
			return Recommendation{
				ShouldExecute:     true,
				Reason:            "recovery timeout elapsed, a trial attempt is permitted",
				FallbackSuggested: true,
			}
		}
		return Recommendation{
			ShouldExecute:     false,
			Reason:            fmt.Sprintf("circuit open after repeated failures, retry in %s", remaining.Round(time.Second)),
			FallbackSuggested: true,
		}
	case StateHalfOpen:
		if b.trialsInFlight < b.cfg.SuccessThreshold {
			return Recommendation{
				ShouldExecute:     true,
				Reason:            "circuit half-open, trial attempt permitted",
				FallbackSuggested: true,
			}
		}
		return Recommendation{
			ShouldExecute:     false,
			Reason:            "circuit half-open, trial attempts already in flight",
			FallbackSuggested: true,
		}
	default:
		return Recommendation{ShouldExecute: true, Reason: "circuit closed"}
	}
}

// Cleanup resets the breaker to CLOSED with zero counters.
func (b *Breaker) Cleanup() {
	b.mu.Lock()
	t := b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.trialsInFlight = 0
	b.lastFailureTime = time.Time{}
	b.effectiveTimeout = b.cfg.RecoveryTimeout
	b.mu.Unlock()

	b.emit(t)
}

// Snapshot returns a copy of the breaker internals.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		TrialsInFlight:   b.trialsInFlight,
		LastFailureTime:  b.lastFailureTime,
		EffectiveTimeout: b.effectiveTimeout,
		Config:           b.cfg,
	}
}

// Execute runs fn when the breaker admits it and reports the outcome.
// A refused attempt returns an error wrapping errors.ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.CanExecute() {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Breaker", "Execute", b.name)
	}
	if err := fn(ctx); err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	return t
}

func (b *Breaker) emit(t *transition) {
	if t == nil {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "Circuit breaker state changed",
		"from", t.from.String(), "to", t.to.String())
	b.metrics.RecordBreakerTransition(b.name, t.from.String(), t.to.String(), int(t.to))
	if b.onChange != nil {
		b.onChange(b.name, t.from, t.to)
	}
}
