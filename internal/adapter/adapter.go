package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowstore/flowstore/internal/cache"
	"github.com/flowstore/flowstore/internal/config"
	"github.com/flowstore/flowstore/internal/health"
	"github.com/flowstore/flowstore/internal/metrics"
	"github.com/flowstore/flowstore/internal/storage"
	"github.com/flowstore/flowstore/internal/storage/azure"
	"github.com/flowstore/flowstore/internal/storage/fs"
	"github.com/flowstore/flowstore/internal/storage/gcs"
	"github.com/flowstore/flowstore/internal/storage/http"
	"github.com/flowstore/flowstore/internal/storage/s3"
	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
)

// Factory builds the backend of one configured provider
type Factory func(ctx context.Context, pc *config.ProviderConfig) (types.Backend, error)

// DefaultFactories returns the factories of the built-in backends
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		fs.Name: func(_ context.Context, pc *config.ProviderConfig) (types.Backend, error) {
			return fs.New(pc.FS), nil
		},
		s3.Name: func(ctx context.Context, pc *config.ProviderConfig) (types.Backend, error) {
			return s3.New(ctx, pc.S3)
		},
		gcs.Name: func(ctx context.Context, pc *config.ProviderConfig) (types.Backend, error) {
			return gcs.New(ctx, pc.GCS)
		},
		azure.Name: func(_ context.Context, pc *config.ProviderConfig) (types.Backend, error) {
			return azure.New(pc.Azure)
		},
		http.Name: func(_ context.Context, pc *config.ProviderConfig) (types.Backend, error) {
			return http.New(pc.HTTP)
		},
	}
}

// Adapter wires configuration, backends and providers together. It owns the
// metrics collector and the inventory cache shared by all providers.
type Adapter struct {
	config    *config.Configuration
	factories map[string]Factory
	registry  *storage.Registry
	providers map[string]*storage.Provider
	metrics   *metrics.Collector
	inventory *cache.Inventory
	logger    zerolog.Logger
}

// Option configures an Adapter
type Option func(*Adapter)

// WithFactory replaces the factory used for backend
func WithFactory(backend string, f Factory) Option {
	return func(a *Adapter) { a.factories[backend] = f }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// New validates cfg and creates one provider per configured entry
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Adapter{
		config:    cfg,
		factories: DefaultFactories(),
		registry:  storage.NewRegistry(),
		providers: make(map[string]*storage.Provider),
		inventory: cache.NewInventory(),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "adapter").Logger()

	collector, err := metrics.NewCollector(&cfg.Monitoring.Metrics)
	if err != nil {
		return nil, err
	}
	a.metrics = collector

	for _, name := range cfg.ProviderNames() {
		if err := a.addProvider(ctx, name, cfg.Providers[name]); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return a, nil
}

func (a *Adapter) addProvider(ctx context.Context, name string, pc *config.ProviderConfig) error {
	factory, ok := a.factories[pc.Backend]
	if !ok {
		return errors.NewError(errors.ErrCodeBackendNotFound, "no factory for backend "+pc.Backend).
			WithComponent("adapter")
	}
	backend, err := factory(ctx, pc)
	if err != nil {
		return err
	}

	// The registry keeps the first backend per name for protocol lookup;
	// later providers of the same backend are validated on a scratch registry.
	registry := a.registry
	if _, err := registry.Get(backend.Name()); err == nil {
		registry = storage.NewRegistry()
	}
	if err := registry.Register(backend); err != nil {
		return err
	}

	provider, err := storage.NewProvider(backend, pc.Storage,
		storage.WithLogger(a.logger.With().Str("provider", name).Logger()),
		storage.WithMetrics(a.metrics),
		storage.WithInventory(a.inventory))
	if err != nil {
		return err
	}
	a.providers[name] = provider
	a.logger.Debug().Str("provider", name).Str("backend", backend.Name()).Msg("Configured provider")
	return nil
}

// Start serves metrics when configured
func (a *Adapter) Start(ctx context.Context) error {
	if !a.config.Monitoring.Serve {
		return nil
	}
	return a.metrics.Start(ctx)
}

// Stop shuts down the metrics server and logs inventory statistics
func (a *Adapter) Stop(ctx context.Context) error {
	stats := a.inventory.Stats()
	a.logger.Debug().
		Uint64("hits", stats.Hits).
		Uint64("misses", stats.Misses).
		Msg("Inventory cache statistics")
	return a.metrics.Stop(ctx)
}

// Config returns the configuration the adapter was built from
func (a *Adapter) Config() *config.Configuration { return a.config }

// Registry returns the backend registry
func (a *Adapter) Registry() *storage.Registry { return a.registry }

// Metrics returns the shared metrics collector
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Inventory returns the inventory cache shared by all providers
func (a *Adapter) Inventory() *cache.Inventory { return a.inventory }

// Provider returns the provider configured under name
func (a *Adapter) Provider(name string) (*storage.Provider, error) {
	p, ok := a.providers[name]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("no provider named %q (configured: %s)", name, strings.Join(a.config.ProviderNames(), ", "))).
			WithComponent("adapter")
	}
	return p, nil
}

// ProviderFor selects the provider for query by protocol. A query matching a
// backend used by several providers is ambiguous and must name the provider.
func (a *Adapter) ProviderFor(query string) (*storage.Provider, error) {
	backend, err := a.registry.ForQuery(query)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, name := range a.config.ProviderNames() {
		if a.providers[name].Backend().Name() == backend.Name() {
			matches = append(matches, name)
		}
	}
	if len(matches) != 1 {
		return nil, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("query %s matches providers %s; choose one explicitly",
				backend.SafePrint(query), strings.Join(matches, ", "))).
			WithComponent("adapter")
	}
	return a.providers[matches[0]], nil
}

// Object returns a managed object for query from the named provider, or from
// the provider selected by protocol when name is empty.
func (a *Adapter) Object(name, query string, opts ...storage.ObjectOption) (*storage.Object, error) {
	p, err := a.Resolve(name, query)
	if err != nil {
		return nil, err
	}
	return p.Object(query, opts...)
}

// Resolve returns the named provider, or the provider selected by protocol
// when name is empty.
func (a *Adapter) Resolve(name, query string) (*storage.Provider, error) {
	if name != "" {
		return a.Provider(name)
	}
	return a.ProviderFor(query)
}

// Objects globs pattern on the selected provider and returns the matches
func (a *Adapter) Objects(ctx context.Context, name, pattern string, opts ...storage.ObjectOption) ([]*storage.Object, error) {
	p, err := a.Resolve(name, pattern)
	if err != nil {
		return nil, err
	}
	return p.Objects(ctx, pattern, opts...)
}

// HealthChecker registers the readiness checks of every provider: a writable
// local prefix, the configured free space, the probe object and open breakers.
func (a *Adapter) HealthChecker() (*health.Checker, error) {
	hc := a.config.Monitoring.Health
	minFree, err := hc.MinFreeBytes()
	if err != nil {
		return nil, err
	}

	checker := health.NewChecker(hc.Timeout, a.logger)
	for _, name := range a.config.ProviderNames() {
		p := a.providers[name]
		prefix := p.Settings().LocalPrefix
		checks := []health.Check{{
			Name:        name + "/local_prefix",
			Description: "local prefix " + prefix + " is writable",
			Function:    health.WritableCheck(prefix),
		}}
		if minFree > 0 {
			checks = append(checks, health.Check{
				Name:        name + "/free_space",
				Description: "free space below " + prefix,
				Priority:    health.PriorityWarning,
				Function:    health.FreeSpaceCheck(prefix, minFree),
			})
		}
		if probe := a.config.Providers[name].Probe; probe != "" {
			o, err := p.Object(probe, storage.WithRetrieve(false))
			if err != nil {
				return nil, fmt.Errorf("provider %s probe: %w", name, err)
			}
			checks = append(checks, health.Check{
				Name:        name + "/probe",
				Description: "probe " + o.PrintQuery() + " exists",
				Function:    health.ProbeCheck(o),
			})
		}
		if p.Breakers().Enabled() {
			checks = append(checks, health.Check{
				Name:        name + "/circuit",
				Description: "no open circuit breakers",
				Priority:    health.PriorityWarning,
				Function:    health.BreakerCheck(p.Breakers()),
			})
		}
		for _, check := range checks {
			if err := checker.Register(check); err != nil {
				return nil, err
			}
		}
	}
	return checker, nil
}
