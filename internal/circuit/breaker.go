// Package circuit stops calling a storage partition (a bucket or a host) that
// keeps failing with transient errors, and probes it again after a timeout.
package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowstore/flowstore/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests pass
	StateClosed State = iota
	// StateOpen rejects requests until the open timeout expires
	StateOpen
	// StateHalfOpen lets a limited number of probe requests pass
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures the breakers of one provider. The zero value disables them.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// FailureThreshold is the number of consecutive transient failures that
	// opens the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long an open breaker rejects requests
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests is the number of probes allowed while half-open
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

// DefaultConfig returns an enabled configuration with conservative limits
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Validate checks an enabled configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold == 0 {
		return errors.NewConfigurationError("circuit_breaker.failure_threshold", "must be positive")
	}
	if c.OpenTimeout <= 0 {
		return errors.NewConfigurationError("circuit_breaker.open_timeout",
			fmt.Sprintf("must be positive, got %s", c.OpenTimeout))
	}
	return nil
}

// Counts holds the request counters of the current state
type Counts struct {
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker guards one partition. A nil Breaker allows everything.
type Breaker struct {
	key       string
	config    Config
	isFailure func(error) bool
	onChange  func(key string, from, to State)
	now       func() time.Time

	mu        sync.Mutex
	state     State
	counts    Counts
	openUntil time.Time
}

// IsTransient reports whether err counts against a breaker. Missing objects,
// validation errors and cancellations say nothing about endpoint health.
func IsTransient(err error) bool {
	return errors.IsCode(err, errors.ErrCodeNetworkError)
}

// Allow returns a CIRCUIT_OPEN error when the request must not be sent.
// Every allowed request has to be followed by Done or Cancel.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return b.openError()
	case StateHalfOpen:
		if b.counts.Requests >= b.config.HalfOpenRequests {
			return b.openError()
		}
	}
	b.counts.Requests++
	return nil
}

// Done records the outcome of an allowed request
func (b *Breaker) Done(err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err == nil || !b.isFailure(err) {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// Cancel gives back an allowed request that was never sent
func (b *Breaker) Cancel() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

// State returns the current state
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the counters of the current state
func (b *Breaker) Counts() Counts {
	if b == nil {
		return Counts{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	prev := b.state
	if prev == state {
		return
	}
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openUntil = b.now().Add(b.config.OpenTimeout)
	}
	if b.onChange != nil {
		b.onChange(b.key, prev, state)
	}
}

func (b *Breaker) openError() error {
	wait := max(b.openUntil.Sub(b.now()), 0)
	return errors.NewError(errors.ErrCodeCircuitOpen,
		fmt.Sprintf("circuit breaker for %s is open after repeated failures", b.key)).
		WithComponent("circuit").
		WithContext("partition", b.key).
		WithDetail("retry_after", wait.Round(time.Millisecond).String())
}

// Set holds one breaker per partition key
type Set struct {
	config    Config
	isFailure func(error) bool
	onChange  func(key string, from, to State)
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option configures a Set
type Option func(*Set)

// WithFailureClassifier replaces IsTransient
func WithFailureClassifier(fn func(error) bool) Option {
	return func(s *Set) { s.isFailure = fn }
}

// WithStateChange registers a callback invoked under the breaker lock on
// every state change
func WithStateChange(fn func(key string, from, to State)) Option {
	return func(s *Set) { s.onChange = fn }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// NewSet creates the breakers of one provider
func NewSet(config Config, opts ...Option) *Set {
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}
	s := &Set{
		config:    config,
		isFailure: IsTransient,
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether requests are guarded
func (s *Set) Enabled() bool { return s != nil && s.config.Enabled }

// Get returns the breaker of key, nil when the set is disabled
func (s *Set) Get(key string) *Breaker {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = &Breaker{
			key:       key,
			config:    s.config,
			isFailure: s.isFailure,
			onChange:  s.onChange,
			now:       s.now,
		}
		s.breakers[key] = b
	}
	return b
}

// Open returns the sorted keys of the breakers currently rejecting requests
func (s *Set) Open() []string {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	var open []string
	for _, b := range breakers {
		if b.State() == StateOpen {
			open = append(open, b.key)
		}
	}
	sort.Strings(open)
	return open
}
