package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionOverload(t *testing.T) {
	ctl := New(Config{
		MaxConcurrentRequests: 2, // < 3 → no lane split, all traffic on global
		AdaptiveMin:           1,
		SemaphoreTimeout:      100 * time.Millisecond,
	}, nil)

	ctx := context.Background()
	a1, err := ctl.Acquire(ctx, "", "", PriorityNormal)
	require.NoError(t, err)
	a2, err := ctl.Acquire(ctx, "", "", PriorityNormal)
	require.NoError(t, err)

	_, err = ctl.Acquire(ctx, "", "", PriorityNormal)
	require.Error(t, err)
	lerr, ok := err.(*lmxerr.Error)
	require.True(t, ok)
	assert.Equal(t, lmxerr.KindOverloaded, lerr.Kind)
	assert.Equal(t, 5, lerr.RetryAfter)

	a1.Release()
	a2.Release()

	a3, err := ctl.Acquire(ctx, "", "", PriorityNormal)
	require.NoError(t, err)
	a3.Release()
}

func TestHighPriorityLaneReserved(t *testing.T) {
	ctl := New(Config{
		MaxConcurrentRequests: 4, // >= 3 → lane split: high=1, normal=3
		AdaptiveMin:           1,
		SemaphoreTimeout:      50 * time.Millisecond,
	}, nil)
	ctx := context.Background()

	high, err := ctl.Acquire(ctx, "", "", PriorityHigh)
	require.NoError(t, err)
	defer high.Release()

	_, err = ctl.Acquire(ctx, "", "", PriorityHigh)
	require.Error(t, err, "high lane capacity is 1; a second high request must time out")
}

func TestAdaptiveReductionAppliesOnlyWhenIdle(t *testing.T) {
	ctl := New(Config{
		MaxConcurrentRequests: 8,
		AdaptiveMin:           1,
		AdaptiveEnabled:       true,
		SemaphoreTimeout:      50 * time.Millisecond,
	}, nil)

	a, err := ctl.Acquire(context.Background(), "", "", PriorityNormal)
	require.NoError(t, err)

	ctl.Adapt()
	assert.Equal(t, 8, ctl.CurrentLimit(), "limit must not change while a request is in flight")

	a.Release()
	ctl.Adapt()
}

func TestPerModelCapEnforced(t *testing.T) {
	ctl := New(Config{
		MaxConcurrentRequests: 8,
		AdaptiveMin:           1,
		SemaphoreTimeout:      50 * time.Millisecond,
		PerModelCaps:          map[string]int{"gpt-small": 1},
	}, nil)
	ctx := context.Background()

	a1, err := ctl.Acquire(ctx, "gpt-small", "", PriorityNormal)
	require.NoError(t, err)
	defer a1.Release()

	_, err = ctl.Acquire(ctx, "gpt-small", "", PriorityNormal)
	require.Error(t, err)

	a2, err := ctl.Acquire(ctx, "other-model", "", PriorityNormal)
	require.NoError(t, err)
	a2.Release()
}

func TestDrainReturnsWhenIdle(t *testing.T) {
	ctl := New(Config{MaxConcurrentRequests: 2, AdaptiveMin: 1}, nil)
	assert.True(t, ctl.Drain(time.Second))

	a, err := ctl.Acquire(context.Background(), "", "", PriorityNormal)
	require.NoError(t, err)

	drained := make(chan bool, 1)
	go func() { drained <- ctl.Drain(time.Second) }()

	time.Sleep(10 * time.Millisecond)
	a.Release()

	assert.True(t, <-drained)
}
