// Package storage wraps backend primitives in the managed storage-object
// lifecycle: rate limiting, disk-space preflight, error wrapping and cleanup
// of partial downloads.
package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/flowstore/flowstore/internal/circuit"
	"github.com/flowstore/flowstore/internal/diskspace"
	"github.com/flowstore/flowstore/internal/metrics"
	"github.com/flowstore/flowstore/internal/ratelimit"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
	"github.com/flowstore/flowstore/pkg/wildcard"
)

// DefaultLocalPrefix is where retrieved objects are stored when no prefix is configured
const DefaultLocalPrefix = ".flowstore/storage"

// Settings are the backend independent provider settings
type Settings struct {
	// LocalPrefix is the directory local copies are stored below
	LocalPrefix string `yaml:"local_prefix"`

	// KeepLocal keeps local copies after use unless overridden per object
	KeepLocal bool `yaml:"keep_local"`

	// MaxRequestsPerSecond overrides the backend default rate
	MaxRequestsPerSecond *float64 `yaml:"max_requests_per_second,omitempty"`

	// WaitForFreeLocalStorage is how long a retrieval waits for free space.
	// Nil checks once without waiting.
	WaitForFreeLocalStorage *time.Duration `yaml:"wait_for_free_local_storage,omitempty"`

	// CircuitBreaker fails fast on partitions that keep failing transiently
	CircuitBreaker circuit.Config `yaml:"circuit_breaker,omitempty"`
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.MaxRequestsPerSecond != nil {
		if _, err := ratelimit.NewRate(*s.MaxRequestsPerSecond); err != nil {
			return err
		}
	}
	if err := s.CircuitBreaker.Validate(); err != nil {
		return err
	}
	return diskspace.ValidateMaxWait(s.WaitForFreeLocalStorage)
}

// Provider is one configured instance of a backend. It owns the rate limiter
// registry shared by every object it creates.
type Provider struct {
	backend   types.Backend
	settings  Settings
	limiter   *ratelimit.Registry
	breakers  *circuit.Set
	waiter    *diskspace.Waiter
	metrics   *metrics.Collector
	inventory types.IOCache
	logger    zerolog.Logger
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithLogger sets the provider logger
func WithLogger(logger zerolog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) ProviderOption {
	return func(p *Provider) { p.metrics = c }
}

// WithWaiter replaces the disk space waiter
func WithWaiter(w *diskspace.Waiter) ProviderOption {
	return func(p *Provider) { p.waiter = w }
}

// WithInventory makes Exists, Mtime and Size consult cache before asking the backend
func WithInventory(cache types.IOCache) ProviderOption {
	return func(p *Provider) { p.inventory = cache }
}

// NewProvider creates a provider for backend. The request rate is taken from
// the settings if given, else from the backend default.
func NewProvider(backend types.Backend, settings Settings, opts ...ProviderOption) (*Provider, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if settings.LocalPrefix == "" {
		settings.LocalPrefix = DefaultLocalPrefix
	}

	p := &Provider{
		backend:  backend,
		settings: settings,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "storage").Str("backend", backend.Name()).Logger()

	if p.waiter == nil {
		p.waiter = diskspace.NewWaiter(p.logger)
	}
	if p.waiter.OnWait == nil {
		p.waiter.OnWait = func(step time.Duration) { p.metrics.RecordDiskWait(backend.Name(), step) }
	}

	perSecond := backend.DefaultMaxRequestsPerSecond()
	if settings.MaxRequestsPerSecond != nil {
		perSecond = *settings.MaxRequestsPerSecond
	}
	var rate ratelimit.Rate
	if backend.UseRateLimiter() {
		r, err := ratelimit.NewRate(perSecond)
		if err != nil {
			return nil, errors.NewConfigurationError("max_requests_per_second",
				"backend "+backend.Name()+" declares an invalid default rate").WithCause(err)
		}
		rate = r
	}
	p.limiter = ratelimit.NewRegistry(rate, backend.UseRateLimiter(),
		ratelimit.WithLogger(p.logger),
		ratelimit.WithObserver(func(_ string, waited time.Duration) {
			p.metrics.RecordRateLimitWait(backend.Name(), waited)
		}))

	p.breakers = circuit.NewSet(settings.CircuitBreaker,
		circuit.WithStateChange(func(key string, from, to circuit.State) {
			p.metrics.RecordBreakerTransition(backend.Name(), to.String())
			p.logger.Warn().
				Str("partition", key).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		}))

	p.logger.Debug().
		Str("local_prefix", settings.LocalPrefix).
		Bool("rate_limited", p.limiter.Enabled()).
		Str("rate", rate.String()).
		Msg("Created storage provider")

	return p, nil
}

// Backend returns the wrapped backend
func (p *Provider) Backend() types.Backend { return p.backend }

// Name returns the backend name
func (p *Provider) Name() string { return p.backend.Name() }

// Settings returns the effective settings
func (p *Provider) Settings() Settings { return p.settings }

// RateLimiter returns the provider's rate limiter registry
func (p *Provider) RateLimiter() *ratelimit.Registry { return p.limiter }

// Breakers returns the provider's circuit breakers
func (p *Provider) Breakers() *circuit.Set { return p.breakers }

// SafePrint returns query without credentials
func (p *Provider) SafePrint(query string) string { return p.backend.SafePrint(query) }

// Object validates query and returns a managed object for it.
func (p *Provider) Object(query string, opts ...ObjectOption) (*Object, error) {
	if res := p.backend.IsValidQuery(query); !res.Valid {
		return nil, errors.NewValidationError(p.Name(), p.SafePrint(query), res.Reason)
	}

	o := &Object{
		provider:   p,
		query:      query,
		printQuery: p.SafePrint(query),
		keepLocal:  p.settings.KeepLocal,
		retrieve:   true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.keepLocal {
		o.onDemand = false
	}

	inner, err := p.newInner(query)
	if err != nil {
		return nil, err
	}
	o.inner = inner

	localPath, err := utils.SecureJoin(p.settings.LocalPrefix, filepath.FromSlash(inner.LocalSuffix()))
	if err != nil {
		return nil, errors.NewValidationError(p.Name(), o.printQuery, err.Error())
	}
	o.localPath = localPath
	return o, nil
}

func (p *Provider) newInner(query string) (types.StorageObject, error) {
	inner, err := p.backend.NewObject(query)
	if err != nil {
		return nil, errors.NewValidationError(p.Name(), p.SafePrint(query), err.Error()).WithCause(err)
	}
	if err := CheckCapabilities(p.backend, inner); err != nil {
		return nil, err
	}
	return inner, nil
}

// acquire admits one request for query through the partition's circuit
// breaker and rate limiter. done reports the outcome to the breaker and
// releases the permit.
func (p *Provider) acquire(ctx context.Context, query string, op types.Operation) (done func(error), err error) {
	key := p.backend.RateLimiterKey(query, op)
	breaker := p.breakers.Get(key)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}
	permit, err := p.limiter.Acquire(ctx, key)
	if err != nil {
		breaker.Cancel()
		return nil, err
	}
	return func(err error) {
		permit.Release()
		breaker.Done(err)
	}, nil
}

// Glob lists the backend objects below the constant prefix of pattern and
// resolves the wildcard values of those matching it.
func (p *Provider) Glob(ctx context.Context, pattern string) (*wildcard.Bindings, error) {
	printPattern := p.SafePrint(pattern)
	if !p.backend.Capabilities().Has(types.CapGlob) {
		return nil, errors.NewUnsupportedOperationError(p.Name(), "glob", printPattern)
	}
	if _, err := wildcard.Compile(pattern); err != nil {
		return nil, err
	}

	inner, err := p.newInner(pattern)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	done, err := p.acquire(ctx, pattern, types.OpExists)
	if err != nil {
		return nil, errors.NewOperationFailure(p.Name(), "glob", printPattern, err)
	}
	candidates, err := inner.(types.Globber).ListCandidateMatches(ctx)
	done(err)
	p.metrics.RecordOperation(p.Name(), "glob", time.Since(start), 0, err)
	if err != nil {
		return nil, errors.NewOperationFailure(p.Name(), "list candidates for", printPattern, err)
	}

	bindings, err := wildcard.ResolveQueries(pattern, candidates)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().
		Str("pattern", printPattern).
		Int("candidates", len(candidates)).
		Int("matches", bindings.Matches).
		Msg("Resolved wildcards")
	return bindings, nil
}

// Objects globs pattern and returns one managed object per match.
func (p *Provider) Objects(ctx context.Context, pattern string, opts ...ObjectOption) ([]*Object, error) {
	bindings, err := p.Glob(ctx, pattern)
	if err != nil {
		return nil, err
	}

	objects := make([]*Object, 0, bindings.Matches)
	err = bindings.Each(func(_ int, row map[string]string) error {
		query, err := wildcard.Format(pattern, row)
		if err != nil {
			return err
		}
		o, err := p.Object(query, opts...)
		if err != nil {
			return err
		}
		objects = append(objects, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// RetrieveAll retrieves objects concurrently, running at most limit
// retrievals at a time (no limit when limit <= 0). Objects sharing a rate
// limiter partition are still spaced by their throttle. The first failure
// cancels the remaining retrievals.
func RetrieveAll(ctx context.Context, objects []*Object, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, o := range objects {
		g.Go(func() error {
			return o.ManagedRetrieve(ctx)
		})
	}
	return g.Wait()
}
