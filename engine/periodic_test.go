package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasgurus/badgestone/engine"
	"github.com/atlasgurus/badgestone/types"
)

func TestPeriodicRunNow(t *testing.T) {
	var calls atomic.Int32
	task := engine.NewPeriodic(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, time.Hour, true, types.NewAppContext(nil))

	task.Start(context.Background())
	defer task.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPeriodicInterval(t *testing.T) {
	var calls atomic.Int32
	task := engine.NewPeriodic(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 10*time.Millisecond, false, types.NewAppContext(nil))

	task.Start(context.Background())
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	task.Stop()

	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, calls.Load(), "no runs after Stop")
}

func TestPeriodicStopBeforeStart(t *testing.T) {
	task := engine.NewPeriodic(func(ctx context.Context) error { return nil },
		time.Hour, false, types.NewAppContext(nil))
	task.Stop()
	task.Start(context.Background())
	task.Stop()
}
