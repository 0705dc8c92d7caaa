// Package ratelimit throttles storage operations per backend partition key.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/flowstore/flowstore/pkg/errors"
)

// Rate is a request rate expressed as a reduced fraction: Num permits every
// Denom seconds.
type Rate struct {
	r *big.Rat
}

// NewRate converts a requests-per-second value into a reduced fraction using
// its shortest decimal representation, so 0.1 becomes 1/10 and not the binary
// approximation of 0.1.
func NewRate(perSecond float64) (Rate, error) {
	if math.IsNaN(perSecond) || math.IsInf(perSecond, 0) || perSecond <= 0 {
		return Rate{}, errors.NewConfigurationError("max_requests_per_second",
			fmt.Sprintf("must be a positive finite number, got %v", perSecond))
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(perSecond, 'f', -1, 64))
	if !ok {
		return Rate{}, errors.NewConfigurationError("max_requests_per_second",
			fmt.Sprintf("cannot represent %v as a fraction", perSecond))
	}
	return Rate{r: r}, nil
}

// MustRate is like NewRate but panics on error
func MustRate(perSecond float64) Rate {
	r, err := NewRate(perSecond)
	if err != nil {
		panic(err)
	}
	return r
}

// Num returns the number of permits per period
func (r Rate) Num() *big.Int { return new(big.Int).Set(r.r.Num()) }

// Denom returns the period in seconds
func (r Rate) Denom() *big.Int { return new(big.Int).Set(r.r.Denom()) }

// Period returns the window over which Num permits are granted
func (r Rate) Period() time.Duration {
	return clampDuration(new(big.Int).Mul(r.r.Denom(), big.NewInt(int64(time.Second))))
}

// Interval returns the minimum spacing between two permits, rounded up to
// the nanosecond so that Num+1 permits never fit into one period.
func (r Rate) Interval() time.Duration {
	ns := new(big.Int).Mul(r.r.Denom(), big.NewInt(int64(time.Second)))
	ns, rem := ns.QuoRem(ns, r.r.Num(), new(big.Int))
	if rem.Sign() != 0 {
		ns.Add(ns, big.NewInt(1))
	}
	if ns.Sign() == 0 {
		return 1
	}
	return clampDuration(ns)
}

// PerSecond returns the rate as a float
func (r Rate) PerSecond() float64 {
	f, _ := r.r.Float64()
	return f
}

// IsZero reports whether the rate is unset
func (r Rate) IsZero() bool { return r.r == nil }

func (r Rate) String() string {
	if r.r == nil {
		return "unset"
	}
	return fmt.Sprintf("%s/%ss", r.r.Num(), r.r.Denom())
}

func clampDuration(ns *big.Int) time.Duration {
	if !ns.IsInt64() {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns.Int64())
}

// Stats reports usage of one partition
type Stats struct {
	Key       string        `json:"key"`
	Granted   int64         `json:"granted"`
	InFlight  int64         `json:"in_flight"`
	TotalWait time.Duration `json:"total_wait"`
}

type throttle struct {
	limiter  *rate.Limiter
	granted  atomic.Int64
	inFlight atomic.Int64
	waited   atomic.Int64
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger used for throttling notices
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithObserver registers a callback invoked after every grant with the time
// spent waiting for it.
func WithObserver(fn func(key string, waited time.Duration)) Option {
	return func(r *Registry) { r.observer = fn }
}

// Registry maps partition keys to throttles sharing one rate. Each backend
// instance owns its own registry; throttles are created on first use.
type Registry struct {
	rate     Rate
	enabled  bool
	limiters sync.Map
	logger   zerolog.Logger
	observer func(key string, waited time.Duration)
}

// NewRegistry creates a registry. A disabled registry grants every permit immediately.
func NewRegistry(r Rate, enabled bool, opts ...Option) *Registry {
	reg := &Registry{
		rate:    r,
		enabled: enabled && !r.IsZero(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Enabled reports whether permits are throttled
func (r *Registry) Enabled() bool { return r.enabled }

// Rate returns the configured rate
func (r *Registry) Rate() Rate { return r.rate }

func (r *Registry) throttle(key string) *throttle {
	if t, ok := r.limiters.Load(key); ok {
		return t.(*throttle)
	}
	fresh := &throttle{limiter: rate.NewLimiter(rate.Every(r.rate.Interval()), 1)}
	t, loaded := r.limiters.LoadOrStore(key, fresh)
	if !loaded {
		r.logger.Debug().
			Str("key", key).
			Str("rate", r.rate.String()).
			Msg("Created rate limiter")
	}
	return t.(*throttle)
}

// Acquire waits until a permit for key is available or ctx is done. The
// returned permit must be released when the guarded operation finishes.
func (r *Registry) Acquire(ctx context.Context, key string) (*Permit, error) {
	if !r.enabled {
		return &Permit{}, nil
	}

	t := r.throttle(key)
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, errors.NewError(errors.ErrCodeOperationCanceled,
			fmt.Sprintf("waiting for rate limiter %q", key)).
			WithComponent("ratelimit").
			WithCause(err)
	}
	waited := time.Since(start)

	t.granted.Add(1)
	t.inFlight.Add(1)
	t.waited.Add(int64(waited))
	if r.observer != nil {
		r.observer(key, waited)
	}
	if waited > time.Second {
		r.logger.Debug().
			Str("key", key).
			Dur("waited", waited).
			Msg("Rate limited")
	}

	return &Permit{key: key, waited: waited, release: func() { t.inFlight.Add(-1) }}, nil
}

// Stats returns usage per partition key, sorted by key
func (r *Registry) Stats() []Stats {
	var out []Stats
	r.limiters.Range(func(k, v any) bool {
		t := v.(*throttle)
		out = append(out, Stats{
			Key:       k.(string),
			Granted:   t.granted.Load(),
			InFlight:  t.inFlight.Load(),
			TotalWait: time.Duration(t.waited.Load()),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Permit is a granted slot. Release never blocks and may be called more than once.
type Permit struct {
	key     string
	waited  time.Duration
	once    sync.Once
	release func()
}

// Key returns the partition key the permit was granted for
func (p *Permit) Key() string { return p.key }

// Waited returns the time spent waiting for the permit
func (p *Permit) Waited() time.Duration { return p.waited }

// Release returns the permit
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}
