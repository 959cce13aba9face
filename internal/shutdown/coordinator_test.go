package shutdown_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blockforge/rdmapool/internal/shutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:    100 * time.Millisecond,
		DrainTimeout:    10 * time.Millisecond,
		ListenerTimeout: 10 * time.Millisecond,
		PoolTimeout:     10 * time.Millisecond,
		ForceTimeout:    50 * time.Millisecond,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 15*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 5*time.Second, cfg.ListenerTimeout)
	assert.Equal(t, 10*time.Second, cfg.PoolTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForceTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorPhaseTransitions(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	ctx := context.Background()
	err := coord.Shutdown(ctx, shutdown.Components{})

	require.NoError(t, err)
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())
}

func TestCoordinatorShutdownOnlyOnce(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	ctx := context.Background()

	require.NoError(t, coord.Shutdown(ctx, shutdown.Components{}))
	require.NoError(t, coord.Shutdown(ctx, shutdown.Components{}))
}

func TestCoordinatorDoneChannel(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = coord.Shutdown(ctx, shutdown.Components{})
	}()

	select {
	case <-coord.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Done channel was not closed")
	}
}

func TestCoordinatorWithListener(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	listener := &mockListener{}

	err := coord.Shutdown(context.Background(), shutdown.Components{Listener: listener})

	require.NoError(t, err)
	assert.True(t, listener.closeCalled)
}

func TestCoordinatorWithListenerError(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	expectedErr := errors.New("listener close error")
	listener := &mockListener{err: expectedErr}

	err := coord.Shutdown(context.Background(), shutdown.Components{Listener: listener})

	require.NoError(t, err) // Shutdown itself doesn't return the component's error
	assert.True(t, listener.closeCalled)
	require.Len(t, coord.Errors(), 1)
	assert.Equal(t, expectedErr, coord.Errors()[0])
}

func TestCoordinatorWithPool(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	pool := &mockPool{}

	err := coord.Shutdown(context.Background(), shutdown.Components{Pool: pool})

	require.NoError(t, err)
	assert.True(t, pool.destroyCalled)
}

func TestCoordinatorWithInFlightTracker(t *testing.T) {
	cfg := testConfig()
	cfg.TotalTimeout = 200 * time.Millisecond
	cfg.DrainTimeout = 50 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	tracker := &mockInFlightTracker{count: 5}

	err := coord.Shutdown(context.Background(), shutdown.Components{InFlightTracker: tracker})

	require.NoError(t, err)
	assert.True(t, tracker.waitCalled)
}

func TestCoordinatorRegisterHook(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	hookCalled := false
	coord.RegisterHook(shutdown.PhaseDraining, func(ctx context.Context) error {
		hookCalled = true
		return nil
	})

	err := coord.Shutdown(context.Background(), shutdown.Components{})

	require.NoError(t, err)
	assert.True(t, hookCalled)
}

func TestCoordinatorHookError(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	expectedErr := errors.New("hook error")
	coord.RegisterHook(shutdown.PhaseDraining, func(ctx context.Context) error {
		return expectedErr
	})

	err := coord.Shutdown(context.Background(), shutdown.Components{})

	require.NoError(t, err)
	require.Len(t, coord.Errors(), 1)
	assert.Equal(t, expectedErr, coord.Errors()[0])
}

func TestCoordinatorTimeoutOnSlowComponent(t *testing.T) {
	cfg := testConfig()
	cfg.PoolTimeout = 20 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	pool := &mockPool{delay: 100 * time.Millisecond}

	err := coord.Shutdown(context.Background(), shutdown.Components{Pool: pool})

	require.NoError(t, err)
	require.Len(t, coord.Errors(), 1)
	assert.ErrorIs(t, coord.Errors()[0], context.DeadlineExceeded)
}

func TestCoordinatorAllComponents(t *testing.T) {
	cfg := testConfig()
	cfg.TotalTimeout = 500 * time.Millisecond
	cfg.DrainTimeout = 50 * time.Millisecond
	cfg.ListenerTimeout = 50 * time.Millisecond
	cfg.PoolTimeout = 50 * time.Millisecond
	coord := shutdown.NewCoordinator(cfg)

	listener := &mockListener{}
	pool := &mockPool{}
	tracker := &mockInFlightTracker{count: 0}

	components := shutdown.Components{
		Listener:        listener,
		Pool:            pool,
		InFlightTracker: tracker,
	}

	err := coord.Shutdown(context.Background(), components)

	require.NoError(t, err)
	assert.True(t, listener.closeCalled)
	assert.True(t, pool.destroyCalled)
	assert.Empty(t, coord.Errors())
}

// Mock implementations.

type mockListener struct {
	closeCalled bool
	err         error
}

func (m *mockListener) Close() error {
	m.closeCalled = true
	return m.err
}

type mockPool struct {
	destroyCalled bool
	err           error
	delay         time.Duration
}

func (m *mockPool) Destroy() error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.destroyCalled = true
	return m.err
}

type mockInFlightTracker struct {
	count      int64
	waitCalled bool
}

func (m *mockInFlightTracker) InFlightCount() int64 {
	return atomic.LoadInt64(&m.count)
}

func (m *mockInFlightTracker) WaitForDrain(_ context.Context) error {
	m.waitCalled = true
	atomic.StoreInt64(&m.count, 0)
	return nil
}
