// Package health runs readiness checks against the configured storage
// providers: local prefix writability, free local space, a probe object and
// open circuit breakers.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flowstore/flowstore/internal/circuit"
	"github.com/flowstore/flowstore/internal/diskspace"
	"github.com/flowstore/flowstore/internal/storage"
)

// Priority decides how a failed check affects the overall status
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityWarning  Priority = "warning"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunction returns nil when the check passes
type CheckFunction func(ctx context.Context) error

// Check is one registered health check
type Check struct {
	Name        string
	Description string
	Priority    Priority
	Timeout     time.Duration
	Function    CheckFunction
}

// Result is the outcome of one check
type Result struct {
	Check       string        `json:"check"`
	Description string        `json:"description"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Report is the outcome of a full run. Results are sorted by check name.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Results   []Result  `json:"results"`
}

// Healthy reports whether no critical check failed
func (r *Report) Healthy() bool { return r.Status != StatusUnhealthy }

// Checker holds the registered checks
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]*Check
	timeout time.Duration
	logger  zerolog.Logger
}

// DefaultTimeout bounds checks registered without a timeout
const DefaultTimeout = 10 * time.Second

// NewChecker creates a checker. Checks without their own timeout use timeout.
func NewChecker(timeout time.Duration, logger zerolog.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		checks:  make(map[string]*Check),
		timeout: timeout,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a check. Names must be unique.
func (c *Checker) Register(check Check) error {
	if check.Name == "" || check.Function == nil {
		return fmt.Errorf("health check needs a name and a function")
	}
	if check.Priority == "" {
		check.Priority = PriorityCritical
	}
	if check.Timeout <= 0 {
		check.Timeout = c.timeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.checks[check.Name]; exists {
		return fmt.Errorf("health check %s already registered", check.Name)
	}
	c.checks[check.Name] = &check
	return nil
}

// Names returns the sorted names of the registered checks
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes all checks concurrently and summarizes them. A failed critical
// check makes the report unhealthy, a failed warning check degraded.
func (c *Checker) Run(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make([]*Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	results := make([]Result, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = c.execute(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Check < results[j].Check })
	report := &Report{Status: StatusHealthy, Timestamp: time.Now(), Results: results}
	for _, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if r.Priority == PriorityCritical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	c.logger.Debug().Str("status", string(report.Status)).Int("checks", len(results)).Msg("Health checks complete")
	return report
}

func (c *Checker) execute(ctx context.Context, check *Check) Result {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Function(ctx)
	result := Result{
		Check:       check.Name,
		Description: check.Description,
		Priority:    check.Priority,
		Status:      StatusHealthy,
		Duration:    time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		c.logger.Warn().Err(err).Str("check", check.Name).Msg("Health check failed")
	}
	return result
}

// WritableCheck verifies that files can be created below dir
func WritableCheck(dir string) CheckFunction {
	return func(context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(dir, ".flowstore-health-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(filepath.Clean(name))
	}
}

// FreeSpaceCheck verifies that the partition holding dir has at least minFree bytes available
func FreeSpaceCheck(dir string, minFree uint64) CheckFunction {
	return func(context.Context) error {
		free, err := diskspace.Free(dir)
		if err != nil {
			return err
		}
		if free < minFree {
			return fmt.Errorf("only %s free at %s, need %s",
				humanize.IBytes(free), dir, humanize.IBytes(minFree))
		}
		return nil
	}
}

// ProbeCheck verifies that the probe object can be reached and exists
func ProbeCheck(probe *storage.Object) CheckFunction {
	return func(ctx context.Context) error {
		exists, err := probe.ManagedExists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("probe object %s does not exist", probe.PrintQuery())
		}
		return nil
	}
}

// BreakerCheck fails while any circuit breaker of the set is open
func BreakerCheck(breakers *circuit.Set) CheckFunction {
	return func(context.Context) error {
		if open := breakers.Open(); len(open) > 0 {
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		}
		return nil
	}
}
