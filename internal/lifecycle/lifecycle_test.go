package lifecycle

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"foreman/internal/errors"
)

func TestTrackBeginRefusedDuringShutdown(t *testing.T) {
	c := New(Config{RequestTimeout: 2 * time.Second, CleanupTimeout: time.Second}, nil)

	if err := c.TrackBegin("corr-a"); err != nil {
		t.Fatalf("TrackBegin while running: %v", err)
	}
	if got := c.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}

	go c.Shutdown("test")
	waitForState(t, c, StateShuttingDown)

	if err := c.TrackBegin("corr-b"); !errors.IsKind(err, errors.KindShuttingDown) {
		t.Fatalf("TrackBegin during drain = %v, want ShuttingDown", err)
	}

	c.TrackEnd("corr-a")
	waitForState(t, c, StateTerminated)
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after termination")
	}
}

func TestShutdownWaitsForInflightRequests(t *testing.T) {
	c := New(Config{RequestTimeout: 5 * time.Second, CleanupTimeout: time.Second}, nil)

	var drainedAt atomic.Int64
	c.RegisterCleanup("probe", func(context.Context) error {
		drainedAt.Store(time.Now().UnixNano())
		return nil
	})

	for i := 0; i < 2; i++ {
		if err := c.TrackBegin("corr-a"); err != nil {
			t.Fatalf("TrackBegin %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.Shutdown("test")
		close(done)
	}()
	waitForState(t, c, StateShuttingDown)

	time.Sleep(80 * time.Millisecond)
	releasedAt := time.Now().UnixNano()
	c.TrackEnd("corr-a")
	c.TrackEnd("corr-a")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not finish after requests drained")
	}
	if drainedAt.Load() < releasedAt {
		t.Fatal("cleanup ran before the in-flight requests finished")
	}
}

func TestCleanupsRunInRegistrationOrder(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second}, nil)

	var mu sync.Mutex
	var order []string
	add := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.RegisterCleanup("first", add("first"))
	c.RegisterCleanup("second", add("second"))
	c.RegisterCleanup("third", add("third"))

	c.Shutdown("test")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("cleanup order = %v", order)
	}
}

func TestOverrunningCleanupIsAbandoned(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: 50 * time.Millisecond}, nil)

	var after atomic.Bool
	c.RegisterCleanup("stuck", func(context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	c.RegisterCleanup("after", func(context.Context) error {
		after.Store(true)
		return nil
	})

	start := time.Now()
	c.Shutdown("test")

	if !after.Load() {
		t.Fatal("cleanup after the stuck one never ran")
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("shutdown took %s, stuck cleanup was not abandoned", elapsed)
	}
}

func TestFailingCleanupDoesNotStopSequence(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second}, nil)

	var ran atomic.Bool
	c.RegisterCleanup("broken", func(context.Context) error {
		return errors.Newf(errors.KindPersistence, "disk gone")
	})
	c.RegisterCleanup("after", func(context.Context) error {
		ran.Store(true)
		return nil
	})

	c.Shutdown("test")
	if !ran.Load() {
		t.Fatal("cleanup after the failing one never ran")
	}
	if got := c.State(); got != StateTerminated {
		t.Fatalf("state = %q, want TERMINATED", got)
	}
}

func TestDrainBudgetExpires(t *testing.T) {
	c := New(Config{RequestTimeout: 100 * time.Millisecond, CleanupTimeout: time.Second}, nil)

	if err := c.TrackBegin("corr-stuck"); err != nil {
		t.Fatalf("TrackBegin: %v", err)
	}
	// Never TrackEnd: the request is stuck.

	start := time.Now()
	c.Shutdown("test")
	elapsed := time.Since(start)

	if elapsed < 80*time.Millisecond {
		t.Fatalf("shutdown returned in %s, drain budget was not honored", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s, stuck request blocked it", elapsed)
	}
	if got := c.State(); got != StateTerminated {
		t.Fatalf("state = %q, want TERMINATED", got)
	}
}

func TestHoldDrainWaitsPastBudget(t *testing.T) {
	c := New(Config{
		RequestTimeout:     50 * time.Millisecond,
		CleanupTimeout:     time.Second,
		HoldDrainOnTimeout: true,
	}, nil)

	var cleaned atomic.Bool
	c.RegisterCleanup("probe", func(context.Context) error {
		cleaned.Store(true)
		return nil
	})
	if err := c.TrackBegin("corr-slow"); err != nil {
		t.Fatalf("TrackBegin: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Shutdown("test")
		close(done)
	}()
	waitForState(t, c, StateShuttingDown)

	// Let the request budget lapse; the hold keeps cleanup from running.
	time.Sleep(150 * time.Millisecond)
	if cleaned.Load() {
		t.Fatal("cleanup ran while a request was still in flight")
	}
	select {
	case <-done:
		t.Fatal("shutdown finished without the request draining")
	default:
	}

	c.TrackEnd("corr-slow")
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not finish after the request drained")
	}
	if !cleaned.Load() {
		t.Fatal("cleanup never ran")
	}
}

func TestForceDrainBreaksTheHold(t *testing.T) {
	c := New(Config{
		RequestTimeout:     50 * time.Millisecond,
		CleanupTimeout:     time.Second,
		HoldDrainOnTimeout: true,
	}, nil)

	if err := c.TrackBegin("corr-stuck"); err != nil {
		t.Fatalf("TrackBegin: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Shutdown("test")
		close(done)
	}()
	waitForState(t, c, StateShuttingDown)
	time.Sleep(100 * time.Millisecond)
	c.ForceDrain()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forced shutdown still held for the stuck request")
	}
}

func TestForceDrainSkipsTheWait(t *testing.T) {
	c := New(Config{RequestTimeout: 10 * time.Second, CleanupTimeout: time.Second}, nil)

	if err := c.TrackBegin("corr-stuck"); err != nil {
		t.Fatalf("TrackBegin: %v", err)
	}

	done := make(chan struct{})
	start := time.Now()
	go func() {
		c.Shutdown("test")
		close(done)
	}()
	waitForState(t, c, StateShuttingDown)
	c.ForceDrain()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("forced shutdown still waited for the stuck request")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("forced shutdown took %s", elapsed)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second}, nil)

	var runs atomic.Int32
	c.RegisterCleanup("count", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown("test")
		}()
	}
	wg.Wait()
	c.Shutdown("again")

	if got := runs.Load(); got != 1 {
		t.Fatalf("cleanups ran %d times, want 1", got)
	}
}

func TestTrackEndWithoutBeginIsHarmless(t *testing.T) {
	c := New(Config{}, nil)
	c.TrackEnd("corr-unknown")
	if got := c.InFlight(); got != 0 {
		t.Fatalf("InFlight = %d, want 0", got)
	}
}

func TestTrackSameCorrelationTwice(t *testing.T) {
	c := New(Config{}, nil)
	if err := c.TrackBegin("corr-a"); err != nil {
		t.Fatalf("TrackBegin: %v", err)
	}
	if err := c.TrackBegin("corr-a"); err != nil {
		t.Fatalf("TrackBegin again: %v", err)
	}
	if got := c.InFlight(); got != 2 {
		t.Fatalf("InFlight = %d, want 2", got)
	}
	c.TrackEnd("corr-a")
	if got := c.InFlight(); got != 1 {
		t.Fatalf("InFlight after one end = %d, want 1", got)
	}
	c.TrackEnd("corr-a")
	if got := c.InFlight(); got != 0 {
		t.Fatalf("InFlight after both ends = %d, want 0", got)
	}
}

func TestSigtermTriggersShutdown(t *testing.T) {
	c := New(Config{RequestTimeout: time.Second, CleanupTimeout: time.Second}, nil)
	uninstall := c.NotifySignals()
	defer uninstall()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("SIGTERM did not drive the coordinator to TERMINATED")
	}
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never reached %s (now %s)", want, c.State())
}
