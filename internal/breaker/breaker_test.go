package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/fleetctl/internal/common/config"
	"github.com/kandev/fleetctl/internal/errs"
	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:      3,
		SuccessThreshold:      2,
		OpenTimeoutSeconds:    0.05,
		SlidingWindow:         10,
		BulkheadMaxConcurrent: 10,
		BulkheadMaxQueued:     20,
	}
}

func TestRegistryOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewRegistry(testConfig(), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := reg.Execute(ctx, "agent:1", func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	err := reg.Execute(ctx, "agent:1", func() error { return nil })
	require.ErrorIs(t, err, errs.ErrCircuitOpen)
	require.Equal(t, v1.BreakerOpen, reg.State("agent:1"))
}

func TestRegistryClosesAfterSuccessfulProbe(t *testing.T) {
	reg := NewRegistry(testConfig(), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = reg.Execute(ctx, "agent:2", func() error { return boom })
	}
	require.Equal(t, v1.BreakerOpen, reg.State("agent:2"))

	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := reg.Execute(ctx, "agent:2", func() error { return nil })
		require.NoError(t, err)
	}
	require.Equal(t, v1.BreakerClosed, reg.State("agent:2"))
}

func TestRegistryNotifiesStateChange(t *testing.T) {
	var transitions []v1.BreakerState
	reg := NewRegistry(testConfig(), func(scope string, from, to v1.BreakerState) {
		transitions = append(transitions, to)
	})
	ctx := context.Background()
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = reg.Execute(ctx, "agent:3", func() error { return boom })
	}
	require.Contains(t, transitions, v1.BreakerOpen)
}

func TestRegistryBulkheadUsesConfiguredLimits(t *testing.T) {
	cfg := testConfig()
	cfg.BulkheadMaxConcurrent = 1
	cfg.BulkheadMaxQueued = 0
	reg := NewRegistry(cfg, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.Execute(ctx, "agent:bh", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// One caller holds the single slot and the wait queue is zero, so
	// the next submission is rejected immediately.
	err := reg.Execute(ctx, "agent:bh", func() error { return nil })
	require.ErrorIs(t, err, errs.ErrCircuitOpen)
	close(release)
}

func TestBulkheadRejectsBeyondCapacity(t *testing.T) {
	b := newBulkhead(1, 0)
	require.True(t, b.tryAcquire())
	require.False(t, b.tryAcquire())
	b.release()
	require.True(t, b.tryAcquire())
}
