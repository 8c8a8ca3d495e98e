// Package lifecycle coordinates graceful shutdown: request tracking, a
// bounded drain, and ordered cleanup callbacks.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"foreman/internal/async"
	"foreman/internal/errors"
	"foreman/internal/logging"
)

// State is the coordinator's lifecycle phase.
type State string

const (
	StateRunning      State = "RUNNING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateTerminated   State = "TERMINATED"
)

// Config bounds the shutdown sequence.
type Config struct {
	// RequestTimeout is the budget for in-flight requests to drain.
	// Default 30s.
	RequestTimeout time.Duration
	// CleanupTimeout bounds each cleanup callback. Default 10s.
	CleanupTimeout time.Duration
	// HoldDrainOnTimeout keeps waiting for stragglers after the request
	// budget runs out instead of proceeding to cleanup. ForceDrain still
	// breaks the wait.
	HoldDrainOnTimeout bool
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
	return c
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// Coordinator owns the shutdown sequence. Request handlers bracket their
// work with TrackBegin/TrackEnd; components register cleanups at wiring
// time; one Shutdown call drives the whole teardown.
type Coordinator struct {
	config Config
	logger logging.Logger

	mu       sync.Mutex
	state    State
	inflight map[string]int
	tracked  int
	cleanups []cleanup

	force     chan struct{}
	forceOnce sync.Once
	done      chan struct{}
	shutOnce  sync.Once
}

// New builds a RUNNING coordinator.
func New(config Config, logger logging.Logger) *Coordinator {
	return &Coordinator{
		config:   config.withDefaults(),
		logger:   logging.OrNop(logger),
		state:    StateRunning,
		inflight: make(map[string]int),
		force:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State reports the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight reports how many tracked requests are open.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked
}

// Done closes when the coordinator reaches TERMINATED.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// TrackBegin registers one in-flight request under its correlation id. It
// fails once shutdown has begun so callers can refuse new work before
// touching any state.
func (c *Coordinator) TrackBegin(correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return errors.Newf(errors.KindShuttingDown,
			"server is shutting down, no new requests accepted").
			WithHint("retry after the server restarts")
	}
	c.inflight[correlationID]++
	c.tracked++
	return nil
}

// TrackEnd releases the in-flight request registered under correlationID.
func (c *Coordinator) TrackEnd(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.inflight[correlationID]; ok {
		if n <= 1 {
			delete(c.inflight, correlationID)
		} else {
			c.inflight[correlationID] = n - 1
		}
		c.tracked--
	}
}

// stragglers names up to limit of the requests still in flight.
func (c *Coordinator) stragglers(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, limit)
	for id := range c.inflight {
		if len(ids) == limit {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// RegisterCleanup adds a shutdown callback. Cleanups run in registration
// order, each bounded by the cleanup timeout.
func (c *Coordinator) RegisterCleanup(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// Shutdown runs the teardown once: refuse new requests, drain tracked ones
// within the request budget, then run every cleanup in registration order.
// It returns when the coordinator is TERMINATED; concurrent and repeat
// callers block until then.
func (c *Coordinator) Shutdown(reason string) {
	c.shutOnce.Do(func() {
		c.mu.Lock()
		c.state = StateShuttingDown
		pending := c.tracked
		c.mu.Unlock()
		c.logger.Info("shutdown started (%s), %d requests in flight", reason, pending)

		drained := c.waitForDrain(c.config.RequestTimeout)
		if !drained && c.config.HoldDrainOnTimeout {
			c.mu.Lock()
			left := c.tracked
			c.mu.Unlock()
			c.logger.Warn("drain budget exceeded with %d requests still in flight, holding: %v",
				left, c.stragglers(5))
			drained = c.waitForDrain(0)
		}
		if drained {
			c.logger.Info("in-flight requests drained")
		} else {
			c.mu.Lock()
			left := c.tracked
			c.mu.Unlock()
			c.logger.Warn("drain ended with %d requests still in flight: %v",
				left, c.stragglers(5))
		}

		c.mu.Lock()
		cleanups := make([]cleanup, len(c.cleanups))
		copy(cleanups, c.cleanups)
		c.mu.Unlock()
		for _, cl := range cleanups {
			c.runCleanup(cl)
		}

		c.mu.Lock()
		c.state = StateTerminated
		c.mu.Unlock()
		close(c.done)
		c.logger.Info("shutdown complete")
	})
	<-c.done
}

// ForceDrain abandons the request-drain wait, moving shutdown straight to
// the cleanup phase.
func (c *Coordinator) ForceDrain() {
	c.forceOnce.Do(func() { close(c.force) })
}

// waitForDrain polls until no requests are in flight, the budget runs out,
// or the drain is forced. A budget of zero or less waits without deadline.
func (c *Coordinator) waitForDrain(budget time.Duration) bool {
	var deadline <-chan time.Time
	if budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		deadline = timer.C
	}
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		c.mu.Lock()
		left := c.tracked
		c.mu.Unlock()
		if left == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-c.force:
			return false
		case <-tick.C:
		}
	}
}

// runCleanup invokes one callback under its own deadline. An overrunning
// cleanup is abandoned so the rest of the sequence still happens.
func (c *Coordinator) runCleanup(cl cleanup) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.CleanupTimeout)
	defer cancel()

	start := time.Now()
	result := make(chan error, 1)
	async.Go(c.logger, "lifecycle.cleanup-"+cl.name, func() {
		result <- cl.fn(ctx)
	})

	select {
	case err := <-result:
		if err != nil {
			c.logger.Error("cleanup %s failed after %s: %v",
				cl.name, time.Since(start).Round(time.Millisecond), err)
			return
		}
		c.logger.Info("cleanup %s finished in %s",
			cl.name, time.Since(start).Round(time.Millisecond))
	case <-ctx.Done():
		c.logger.Error("cleanup %s still running after %s, abandoned",
			cl.name, c.config.CleanupTimeout)
	}
}

// NotifySignals installs SIGTERM/interrupt handling: the first signal starts
// a graceful shutdown, a second abandons the request drain. The returned
// function uninstalls the handler.
func (c *Coordinator) NotifySignals() func() {
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	async.Go(c.logger, "lifecycle.signals", func() {
		sig, ok := <-quit
		if !ok {
			return
		}
		async.Go(c.logger, "lifecycle.shutdown", func() {
			c.Shutdown(fmt.Sprintf("signal %s", sig))
		})
		if again, ok := <-quit; ok {
			c.logger.Warn("second signal %s, abandoning request drain", again)
			c.ForceDrain()
		}
	})

	return func() {
		signal.Stop(quit)
		close(quit)
	}
}
