// Package diskspace checks and waits for free space on the partition backing a local path.
package diskspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/flowstore/flowstore/pkg/errors"
)

const (
	// MinWait is the smallest accepted wait budget
	MinWait = time.Second

	shortStep = time.Second
	longStep  = time.Minute
)

// Free returns the bytes available on the partition that holds path. The path
// itself need not exist; its nearest existing ancestor is queried.
func Free(path string) (uint64, error) {
	dir, err := ExistingAncestor(path)
	if err != nil {
		return 0, err
	}
	return partitionFree(dir)
}

// ExistingAncestor returns path or its nearest ancestor that exists.
func ExistingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	for p := abs; ; {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing ancestor of %s", path)
		}
		p = parent
	}
}

// StepFor returns the polling interval for a wait budget
func StepFor(maxWait time.Duration) time.Duration {
	if maxWait > time.Minute {
		return longStep
	}
	return shortStep
}

// Waiter waits for enough free space before a retrieval. Free and Sleep
// default to the real implementations and may be replaced in tests.
type Waiter struct {
	Free   func(path string) (uint64, error)
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger

	// OnWait is called after every polling step
	OnWait func(step time.Duration)
}

// NewWaiter creates a waiter using the real partition query
func NewWaiter(logger zerolog.Logger) *Waiter {
	return &Waiter{
		Free:   Free,
		Sleep:  sleep,
		Logger: logger.With().Str("component", "diskspace").Logger(),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ValidateMaxWait checks a wait budget. Nil means a single check without waiting.
func ValidateMaxWait(maxWait *time.Duration) error {
	if maxWait != nil && *maxWait < MinWait {
		return errors.NewConfigurationError("wait_for_free_local_storage",
			fmt.Sprintf("has to be at least %s or unset, got %s", MinWait, *maxWait))
	}
	return nil
}

// WaitForFreeSpace returns once required bytes are free on the partition
// holding localPath. With a nil maxWait the space is checked once. Otherwise
// it polls every second for budgets up to a minute and every minute beyond,
// failing with INSUFFICIENT_SPACE once the budget is used up.
func (w *Waiter) WaitForFreeSpace(ctx context.Context, required uint64, localPath string, maxWait *time.Duration) error {
	if err := ValidateMaxWait(maxWait); err != nil {
		return err
	}

	free, err := w.free(localPath)
	if err != nil {
		return err
	}

	var waited time.Duration
	if maxWait != nil {
		step := StepFor(*maxWait)
		for waited < *maxWait && required > free {
			w.Logger.Info().
				Str("path", localPath).
				Str("required", humanize.IBytes(required)).
				Str("free", humanize.IBytes(free)).
				Str("step", step.String()).
				Msgf("Waiting %s for enough free space to store %s (%s > %s)",
					step, localPath, humanize.IBytes(required), humanize.IBytes(free))

			if err := w.sleep(ctx, step); err != nil {
				return errors.NewError(errors.ErrCodeOperationCanceled,
					fmt.Sprintf("waiting for free space to store %s", localPath)).
					WithComponent("diskspace").
					WithCause(err)
			}
			waited += step
			if w.OnWait != nil {
				w.OnWait(step)
			}

			if free, err = w.free(localPath); err != nil {
				return err
			}
		}
	}

	if required > free {
		return errors.NewInsufficientSpaceError(localPath, required, free, waited)
	}
	return nil
}

func (w *Waiter) free(localPath string) (uint64, error) {
	fn := w.Free
	if fn == nil {
		fn = Free
	}
	free, err := fn(localPath)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeInternalError,
			fmt.Sprintf("failed to determine free space for %s", localPath)).
			WithComponent("diskspace").
			WithRetryable(false).
			WithCause(err)
	}
	return free, nil
}

func (w *Waiter) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	return sleep(ctx, d)
}
