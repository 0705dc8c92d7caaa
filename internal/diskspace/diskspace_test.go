package diskspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstore/flowstore/pkg/errors"
)

func dur(d time.Duration) *time.Duration { return &d }

type fakeDisk struct {
	free   []uint64
	calls  int
	sleeps []time.Duration
}

func (f *fakeDisk) Free(string) (uint64, error) {
	v := f.free[len(f.free)-1]
	if f.calls < len(f.free) {
		v = f.free[f.calls]
	}
	f.calls++
	return v, nil
}

func (f *fakeDisk) Sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	return nil
}

func (f *fakeDisk) waiter() *Waiter {
	return &Waiter{Free: f.Free, Sleep: f.Sleep, Logger: zerolog.Nop()}
}

func TestFree_MissingPathUsesAncestor(t *testing.T) {
	dir := t.TempDir()
	free, err := Free(filepath.Join(dir, "not", "yet", "created.bin"))
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	anc, err := ExistingAncestor(filepath.Join(dir, "not", "yet"))
	require.NoError(t, err)
	want, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, want, anc)
}

func TestWaitForFreeSpace_SubSecondBudget(t *testing.T) {
	disk := &fakeDisk{free: []uint64{0}}
	err := disk.waiter().WaitForFreeSpace(context.Background(), 10, "/x", dur(500*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
	assert.Equal(t, 0, disk.calls)
}

func TestWaitForFreeSpace_EnoughSpace(t *testing.T) {
	disk := &fakeDisk{free: []uint64{100}}
	require.NoError(t, disk.waiter().WaitForFreeSpace(context.Background(), 100, "/x", dur(10*time.Second)))
	assert.Empty(t, disk.sleeps)
	assert.Equal(t, 1, disk.calls)
}

func TestWaitForFreeSpace_SingleCheck(t *testing.T) {
	disk := &fakeDisk{free: []uint64{10}}
	err := disk.waiter().WaitForFreeSpace(context.Background(), 100, "/x", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInsufficientSpace))
	assert.Empty(t, disk.sleeps)
	assert.Equal(t, 1, disk.calls)
}

func TestWaitForFreeSpace_PollsThenFails(t *testing.T) {
	disk := &fakeDisk{free: []uint64{10}}
	err := disk.waiter().WaitForFreeSpace(context.Background(), 2048, "/data/out.bam", dur(2*time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInsufficientSpace))

	assert.GreaterOrEqual(t, len(disk.sleeps), 2)
	for _, s := range disk.sleeps {
		assert.Equal(t, time.Second, s)
	}
	assert.Contains(t, err.Error(), "2.0 KiB")
	assert.Contains(t, err.Error(), "2s")
}

func TestWaitForFreeSpace_SpaceBecomesAvailable(t *testing.T) {
	disk := &fakeDisk{free: []uint64{10, 10, 500}}
	var waits []time.Duration
	w := disk.waiter()
	w.OnWait = func(step time.Duration) { waits = append(waits, step) }

	require.NoError(t, w.WaitForFreeSpace(context.Background(), 100, "/x", dur(30*time.Second)))
	assert.Len(t, disk.sleeps, 2)
	assert.Len(t, waits, 2)
}

func TestWaitForFreeSpace_LongBudgetUsesMinuteSteps(t *testing.T) {
	disk := &fakeDisk{free: []uint64{0}}
	err := disk.waiter().WaitForFreeSpace(context.Background(), 1, "/x", dur(3*time.Minute))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, disk.sleeps)
}

func TestWaitForFreeSpace_Canceled(t *testing.T) {
	w := &Waiter{
		Free:   func(string) (uint64, error) { return 0, nil },
		Logger: zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WaitForFreeSpace(ctx, 1, "/x", dur(5*time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
}

func TestStepFor(t *testing.T) {
	assert.Equal(t, time.Second, StepFor(time.Second))
	assert.Equal(t, time.Second, StepFor(time.Minute))
	assert.Equal(t, time.Minute, StepFor(time.Minute+time.Second))
}
