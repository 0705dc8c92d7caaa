package metrics

import (
	"context"
	stderr "errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flowstore/flowstore/pkg/errors"
)

// Collector records storage operation metrics
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   zerolog.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	inFlight          *prometheus.GaugeVec
	errorCounter      *prometheus.CounterVec
	rateLimitWait     *prometheus.HistogramVec
	diskWait          *prometheus.CounterVec
	cleanupCounter    *prometheus.CounterVec
	breakerCounter    *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the metrics defaults. Metrics are collected but not served.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "flowstore",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks one backend operation
type OperationMetrics struct {
	Backend       string        `json:"backend"`
	Operation     string        `json:"operation"`
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a collector with its own prometheus registry
func NewCollector(config *Config) (*Collector, error) {
	return NewCollectorWithRegistry(config, prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a collector registering into registry
func NewCollectorWithRegistry(config *Config, registry *prometheus.Registry) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config, logger: zerolog.Nop()}, nil
	}

	c := &Collector{
		config:     config,
		registry:   registry,
		logger:     log.With().Str("component", "metrics").Logger(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Disabled returns a collector that records nothing
func Disabled() *Collector {
	c, _ := NewCollector(&Config{})
	return c
}

// Registry returns the prometheus registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// Start serves the metrics endpoint until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	c.logger.Info().Int("port", c.config.Port).Str("path", c.config.Path).Msg("Serving metrics")
	return nil
}

// Handler returns the HTTP handler exposing metrics and the operations summary
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}
	if c.registry != nil {
		mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one managed operation. err is nil on success.
func (c *Collector) RecordOperation(backend, operation string, duration time.Duration, size int64, err error) {
	if !c.enabled() {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	c.mu.Lock()
	key := backend + "/" + operation
	m, exists := c.operations[key]
	if !exists {
		m = &OperationMetrics{Backend: backend, Operation: operation}
		c.operations[key] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if err != nil {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	labels := prometheus.Labels{"backend": backend, "operation": operation}
	c.operationCounter.With(prometheus.Labels{"backend": backend, "operation": operation, "status": status}).Inc()
	c.operationDuration.With(labels).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(labels).Observe(float64(size))
	}
	if err != nil {
		c.errorCounter.With(prometheus.Labels{
			"backend":   backend,
			"operation": operation,
			"type":      ClassifyError(err),
		}).Inc()
	}
}

// TrackInFlight increments the in-flight gauge and returns its decrement
func (c *Collector) TrackInFlight(backend, operation string) func() {
	if !c.enabled() {
		return func() {}
	}
	g := c.inFlight.With(prometheus.Labels{"backend": backend, "operation": operation})
	g.Inc()
	return g.Dec
}

// RecordRateLimitWait records time spent waiting for a rate limiter permit
func (c *Collector) RecordRateLimitWait(backend string, waited time.Duration) {
	if !c.enabled() {
		return
	}
	c.rateLimitWait.With(prometheus.Labels{"backend": backend}).Observe(waited.Seconds())
}

// RecordDiskWait records one polling step spent waiting for free space
func (c *Collector) RecordDiskWait(backend string, step time.Duration) {
	if !c.enabled() {
		return
	}
	c.diskWait.With(prometheus.Labels{"backend": backend}).Add(step.Seconds())
}

// RecordCleanup records the removal of a partial download
func (c *Collector) RecordCleanup(backend string, err error) {
	if !c.enabled() {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.cleanupCounter.With(prometheus.Labels{"backend": backend, "status": status}).Inc()
}

// RecordBreakerTransition records a circuit breaker of backend entering state
func (c *Collector) RecordBreakerTransition(backend, state string) {
	if !c.enabled() {
		return
	}
	c.breakerCounter.With(prometheus.Labels{"backend": backend, "state": state}).Inc()
}

// Operations returns a copy of the per backend and operation counters, sorted
func (c *Collector) Operations() []OperationMetrics {
	if !c.enabled() {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]OperationMetrics, 0, len(c.operations))
	for _, m := range c.operations {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// ResetMetrics resets the internal counters; prometheus series are kept
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	cfg := c.config
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.Labels,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.Labels,
			Buckets:     buckets,
		}, labels)
	}

	c.operationCounter = counter("operations_total", "Total number of storage operations", "backend", "operation", "status")
	c.operationDuration = histogram("operation_duration_seconds", "Duration of storage operations in seconds",
		prometheus.ExponentialBuckets(0.001, 2, 18), "backend", "operation") // 1ms to ~2m
	c.operationSize = histogram("operation_size_bytes", "Bytes moved by storage operations",
		prometheus.ExponentialBuckets(1024, 4, 15), "backend", "operation") // 1KiB to ~256GiB
	c.errorCounter = counter("errors_total", "Total number of failed storage operations", "backend", "operation", "type")
	c.rateLimitWait = histogram("rate_limit_wait_seconds", "Time spent waiting for rate limiter permits",
		prometheus.ExponentialBuckets(0.001, 4, 10), "backend")
	c.diskWait = counter("disk_space_wait_seconds_total", "Time spent waiting for free local storage", "backend")
	c.cleanupCounter = counter("retrieve_cleanups_total", "Partial downloads removed after a failed retrieval", "backend", "status")
	c.breakerCounter = counter("circuit_breaker_transitions_total", "Circuit breaker state changes by target state", "backend", "state")
	c.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "operations_in_flight",
		Help:        "Storage operations currently running",
		ConstLabels: cfg.Labels,
	}, []string{"backend", "operation"})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.inFlight,
		c.errorCounter,
		c.rateLimitWait,
		c.diskWait,
		c.cleanupCounter,
		c.breakerCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// ClassifyError maps an error to a metrics label from its innermost error code
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}

	var code errors.ErrorCode
	for e := err; e != nil; {
		var se *errors.StorageError
		if !stderr.As(e, &se) {
			break
		}
		code = se.Code
		e = se.Cause
	}

	switch code {
	case errors.ErrCodeObjectNotFound:
		return "not_found"
	case errors.ErrCodeNetworkError:
		return "network"
	case errors.ErrCodeInsufficientSpace:
		return "disk_space"
	case errors.ErrCodeValidationFailed:
		return "validation"
	case errors.ErrCodeUnsupportedOperation:
		return "unsupported"
	case errors.ErrCodeOperationCanceled:
		return "canceled"
	case "":
		return "other"
	default:
		return "backend"
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"flowstore-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	ops := c.Operations()
	writef("flowstore operations summary\n\n")
	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-12s %-10s %10s %10s %14s %14s\n", "Backend", "Operation", "Count", "Errors", "Avg Duration", "Bytes")
	for _, op := range ops {
		writef("%-12s %-10s %10d %10d %14v %14d\n",
			op.Backend, op.Operation, op.Count, op.Errors, op.AvgDuration, op.TotalSize)
	}
}
