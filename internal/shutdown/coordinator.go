// Package shutdown provides graceful shutdown coordination for
// rdmapoold.
//
// The coordinator manages the orderly shutdown of the binary's three
// components, in order:
//
//  1. Draining - wait for in-flight admin requests to finish
//  2. Listener - stop accepting new RDMA-CM connections
//  3. Pool - destroy the block pool, freeing every region
//  4. Complete
//
// The coordinator tracks shutdown progress with metrics and respects
// configurable timeouts to prevent hanging during shutdown.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseListener       Phase = "listener"
	PhasePool           Phase = "pool"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown
	// sequence. Default: 30 seconds.
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight admin requests to
	// complete. Default: 15 seconds.
	DrainTimeout time.Duration

	// ListenerTimeout is the time to wait for the CM listener to stop
	// accepting. Default: 5 seconds.
	ListenerTimeout time.Duration

	// PoolTimeout is the time to wait for the block pool to destroy.
	// Default: 10 seconds.
	PoolTimeout time.Duration

	// ForceTimeout is the additional time after TotalTimeout before
	// shutdown is marked forced. Default: 5 seconds.
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:    30 * time.Second,
		DrainTimeout:    15 * time.Second,
		ListenerTimeout: 5 * time.Second,
		PoolTimeout:     10 * time.Second,
		ForceTimeout:    5 * time.Second,
	}
}

// ShutdownHook is a function called during a shutdown phase.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of rdmapoold's components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given
// configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	elapsed := time.Since(c.started)
	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", elapsed).
		Msg("shutdown: phase transition")

	setShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()
	incrementShutdownErrors()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("shutdown: hook failed")
			c.addError(err)
		}
	}
}

// InFlightTracker tracks in-flight admin requests.
type InFlightTracker interface {
	InFlightCount() int64
	WaitForDrain(ctx context.Context) error
}

// Listener is the CM listener this binary stops accepting new
// connections on during the listener phase.
type Listener interface {
	Close() error
}

// Pool is the block pool this binary destroys during the pool phase.
type Pool interface {
	Destroy() error
}

// Components holds everything that needs to be shut down.
type Components struct {
	InFlightTracker InFlightTracker
	Listener        Listener
	Pool            Pool
}

// Shutdown initiates graceful shutdown of every component, in order.
func (c *Coordinator) Shutdown(ctx context.Context, components Components) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("shutdown: already in progress")
		return nil
	}

	c.started = time.Now()
	log.Info().Msg("shutdown: initiating graceful shutdown")
	setShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(ctx)

	c.executeDrainPhase(shutdownCtx, components)
	c.executeListenerPhase(shutdownCtx, components)
	c.executePoolPhase(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	setShutdownDuration(duration)

	if len(c.errors) > 0 {
		log.Warn().Int("error_count", len(c.errors)).Dur("duration", duration).Msg("shutdown: completed with errors")
	} else {
		log.Info().Dur("duration", duration).Msg("shutdown: completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().Dur("timeout", forceDeadline).Msg("shutdown: force timeout reached")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.InFlightTracker == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	inFlight := components.InFlightTracker.InFlightCount()
	setInFlightRequests(inFlight)

	if inFlight > 0 {
		log.Info().Int64("in_flight_requests", inFlight).Msg("shutdown: waiting for in-flight requests")
		if err := components.InFlightTracker.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", components.InFlightTracker.InFlightCount()).
				Msg("shutdown: drain timeout, proceeding anyway")
			c.addError(err)
		}
	}

	setInFlightRequests(0)
}

func (c *Coordinator) executeListenerPhase(ctx context.Context, components Components) {
	c.setPhase(PhaseListener)
	c.runHooks(ctx, PhaseListener)

	if components.Listener == nil {
		return
	}

	listenerCtx, cancel := context.WithTimeout(ctx, c.config.ListenerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- components.Listener.Close() }()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("shutdown: error closing CM listener")
			c.addError(err)
		} else {
			log.Info().Msg("shutdown: CM listener closed")
		}
	case <-listenerCtx.Done():
		log.Warn().Msg("shutdown: timeout closing CM listener")
		c.addError(listenerCtx.Err())
	}
}

func (c *Coordinator) executePoolPhase(ctx context.Context, components Components) {
	c.setPhase(PhasePool)
	c.runHooks(ctx, PhasePool)

	if components.Pool == nil {
		return
	}

	poolCtx, cancel := context.WithTimeout(ctx, c.config.PoolTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- components.Pool.Destroy() }()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("shutdown: error destroying block pool")
			c.addError(err)
		} else {
			log.Info().Msg("shutdown: block pool destroyed")
		}
	case <-poolCtx.Done():
		log.Warn().Msg("shutdown: timeout destroying block pool")
		c.addError(poolCtx.Err())
	}
}
