package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/flowstore/flowstore/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	errTransient = errors.NewError(errors.ErrCodeNetworkError, "connection reset")
	errNotFound  = errors.NewObjectNotFoundError("s3", "s3://bucket/key")
)

func newTestSet(t *testing.T, opts ...Option) (*Set, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := Config{Enabled: true, FailureThreshold: 3, OpenTimeout: 10 * time.Second}
	return NewSet(cfg, append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func call(b *Breaker, err error) error {
	if aerr := b.Allow(); aerr != nil {
		return aerr
	}
	b.Done(err)
	return err
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"disabled zero value", Config{}, false},
		{"default", DefaultConfig(), false},
		{"zero threshold", Config{Enabled: true, OpenTimeout: time.Second}, true},
		{"zero timeout", Config{Enabled: true, FailureThreshold: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
				t.Errorf("Validate() error code = %s, want INVALID_CONFIG", errors.CodeOf(err))
			}
		})
	}
}

func TestDisabledSet(t *testing.T) {
	t.Parallel()

	s := NewSet(Config{})
	b := s.Get("bucket")
	if b != nil {
		t.Fatalf("Get() on a disabled set = %v, want nil", b)
	}
	for i := 0; i < 10; i++ {
		if err := call(b, errTransient); err != errTransient {
			t.Fatalf("call %d through nil breaker = %v, want the backend error", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("nil breaker state = %s, want closed", b.State())
	}
	if open := s.Open(); open != nil {
		t.Errorf("Open() = %v, want nil", open)
	}
}

func TestBreaker_OpensAfterConsecutiveTransientFailures(t *testing.T) {
	t.Parallel()

	var transitions []string
	s, _ := newTestSet(t, WithStateChange(func(key string, from, to State) {
		transitions = append(transitions, key+":"+from.String()+"->"+to.String())
	}))
	b := s.Get("bucket-a")

	// a success in between resets the streak
	_ = call(b, errTransient)
	_ = call(b, errTransient)
	_ = call(b, nil)
	_ = call(b, errTransient)
	_ = call(b, errTransient)
	if b.State() != StateClosed {
		t.Fatalf("state after interrupted streak = %s, want closed", b.State())
	}

	_ = call(b, errTransient)
	if b.State() != StateOpen {
		t.Fatalf("state after %d consecutive failures = %s, want open", 3, b.State())
	}

	err := call(b, nil)
	if !errors.IsCode(err, errors.ErrCodeCircuitOpen) {
		t.Errorf("call through open breaker = %v, want CIRCUIT_OPEN", err)
	}
	if len(transitions) != 1 || transitions[0] != "bucket-a:closed->open" {
		t.Errorf("transitions = %v", transitions)
	}
	if open := s.Open(); len(open) != 1 || open[0] != "bucket-a" {
		t.Errorf("Open() = %v, want [bucket-a]", open)
	}

	// other partitions are unaffected
	if err := call(s.Get("bucket-b"), nil); err != nil {
		t.Errorf("call on bucket-b = %v, want nil", err)
	}
}

func TestBreaker_IgnoresNonTransientErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestSet(t)
	b := s.Get("host")
	for i := 0; i < 10; i++ {
		_ = call(b, errNotFound)
	}
	if b.State() != StateClosed {
		t.Errorf("state after not-found errors = %s, want closed", b.State())
	}
	if c := b.Counts(); c.TotalFailures != 0 || c.Requests != 10 {
		t.Errorf("Counts() = %+v, want 10 requests and no failures", c)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	s, clock := newTestSet(t)
	b := s.Get("bucket")
	for i := 0; i < 3; i++ {
		_ = call(b, errTransient)
	}

	clock.Advance(9 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state before timeout = %s, want open", b.State())
	}

	clock.Advance(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %s, want half_open", b.State())
	}

	// one probe at a time
	if err := b.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if err := b.Allow(); !errors.IsCode(err, errors.ErrCodeCircuitOpen) {
		t.Errorf("second concurrent probe = %v, want CIRCUIT_OPEN", err)
	}
	b.Done(nil)
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %s, want closed", b.State())
	}
}

func TestBreaker_CancelFreesHalfOpenSlot(t *testing.T) {
	t.Parallel()

	s, clock := newTestSet(t)
	b := s.Get("bucket")
	for i := 0; i < 3; i++ {
		_ = call(b, errTransient)
	}
	clock.Advance(10 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Cancel()
	if b.State() != StateHalfOpen {
		t.Fatalf("state after canceled probe = %s, want half_open", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("probe after cancel rejected: %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	s, clock := newTestSet(t)
	b := s.Get("bucket")
	for i := 0; i < 3; i++ {
		_ = call(b, errTransient)
	}
	clock.Advance(10 * time.Second)

	_ = call(b, errTransient)
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %s, want open", b.State())
	}
	clock.Advance(5 * time.Second)
	if b.State() != StateOpen {
		t.Errorf("reopened breaker should wait a full timeout, state = %s", b.State())
	}
}

func TestSet_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s, _ := newTestSet(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := s.Get("shared")
			for j := 0; j < 50; j++ {
				_ = call(b, nil)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Get("shared").Counts().Requests; got != 1000 {
		t.Errorf("Requests = %d, want 1000", got)
	}
}
