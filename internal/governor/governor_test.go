package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/aigate/internal/aierr"
	"github.com/example/aigate/internal/breaker"
	"github.com/example/aigate/internal/config"
)

func newTestGovernor(t *testing.T, gcfg config.GovernorConfig, bcfg config.CircuitBreakerConfig) *Governor {
	t.Helper()
	if gcfg.MinInterval == 0 {
		gcfg.MinInterval = time.Millisecond
	}
	if gcfg.MaxCallsPerMinute == 0 {
		gcfg.MaxCallsPerMinute = 1000
	}
	if bcfg.FailureThreshold == 0 {
		bcfg.FailureThreshold = 5
	}
	return New(gcfg, breaker.New(bcfg))
}

func TestThrottleReturnsValue(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{})

	val, err := Throttle(context.Background(), g, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Errorf("expected ok, got %q", val)
	}
}

func TestThrottlePropagatesError(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{})

	boom := errors.New("boom")
	_, err := g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected original error back, got %v", err)
	}
}

func TestCircuitOpenFastFail(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTime:     time.Hour,
	})

	g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("fail")
	})

	start := time.Now()
	_, err := g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		t.Error("thunk must not run while circuit is open")
		return nil, nil
	})
	if !errors.Is(err, aierr.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("circuit-open rejection must be immediate")
	}

	snap := g.Snapshot()
	if snap.CircuitRejections != 1 {
		t.Errorf("expected 1 circuit rejection, got %d", snap.CircuitRejections)
	}
	// The rejected call never counts toward request throughput
	if snap.TotalRequests != 1 {
		t.Errorf("expected 1 total request, got %d", snap.TotalRequests)
	}
}

func TestMinIntervalSpacing(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{MinInterval: 60 * time.Millisecond}, config.CircuitBreakerConfig{})

	var starts []time.Time
	for i := 0; i < 2; i++ {
		g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
			starts = append(starts, time.Now())
			return nil, nil
		})
	}

	gap := starts[1].Sub(starts[0])
	if gap < 60*time.Millisecond {
		t.Errorf("expected >= 60ms between invocation starts, got %s", gap)
	}
}

func TestQuotaWindowDelaysOverflowCall(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{
		MinInterval:       time.Millisecond,
		MaxCallsPerMinute: 2,
	}, config.CircuitBreakerConfig{})
	g.window = 150 * time.Millisecond

	start := time.Now()
	for i := 0; i < 3; i++ {
		g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
	}
	elapsed := time.Since(start)

	// The third call must have waited for the window to reset.
	if elapsed < 150*time.Millisecond {
		t.Errorf("expected third call delayed past window, total elapsed %s", elapsed)
	}

	snap := g.Snapshot()
	if snap.QuotaWaits == 0 {
		t.Error("expected at least one quota wait")
	}
	if snap.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", snap.TotalRequests)
	}
}

func TestFIFOOrdering(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{MinInterval: time.Millisecond}, config.CircuitBreakerConfig{})

	const n = 5
	gate := make(chan struct{})
	started := make(chan struct{})

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			close(started)
			<-gate
			return nil, nil
		})
	}()
	<-started

	// Submit c2..cN while c1 is executing; wait until each is visibly
	// queued before submitting the next so submission order is fixed.
	for i := 2; i <= n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		waitForQueueDepth(t, g, i-1)
	}

	close(gate)
	wg.Wait()

	for i, got := range order {
		if got != i+1 {
			t.Fatalf("expected strict FIFO order, got %v", order)
		}
	}
}

func waitForQueueDepth(t *testing.T, g *Governor, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Snapshot().QueueDepth >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached depth %d", depth)
}

func TestFailedCallReleasesQueue(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{})

	g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("first fails")
	})

	val, err := g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("queue stalled behind failed call: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %v", val)
	}
}

func TestCallTimeoutFailsHungCall(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{
		CallTimeout: 30 * time.Millisecond,
	}, config.CircuitBreakerConfig{})

	_, err := g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The hung call must not block the next one.
	_, err = g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Errorf("queue stalled behind timed-out call: %v", err)
	}
}

func TestCanceledWhileQueuedIsSkipped(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{})

	gate := make(chan struct{})
	started := make(chan struct{})
	go g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-gate
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Throttle(ctx, func(ctx context.Context) (any, error) {
			t.Error("canceled call must not be invoked")
			return nil, nil
		})
		errCh <- err
	}()
	waitForQueueDepth(t, g, 1)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(gate)

	// Only the first call counts as a request.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && g.Snapshot().QueueDepth > 0 {
		time.Sleep(time.Millisecond)
	}
	if got := g.Snapshot().TotalRequests; got != 1 {
		t.Errorf("expected 1 total request, got %d", got)
	}
}

func TestBreakerOutcomesForwarded(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTime:     time.Hour,
	})

	g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("fail")
	})
	if g.Breaker().State() != breaker.StateClosed {
		t.Fatal("breaker should still be closed after 1 failure")
	}

	g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("fail")
	})
	if g.Breaker().State() != breaker.StateOpen {
		t.Error("breaker should be open after threshold failures")
	}
}

func TestSnapshotAvgResponse(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{}, config.CircuitBreakerConfig{})

	for i := 0; i < 3; i++ {
		g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		})
	}

	snap := g.Snapshot()
	if snap.AvgResponseMs < 5 {
		t.Errorf("expected avg response >= 5ms, got %f", snap.AvgResponseMs)
	}
}

func TestBoundedQueueRejectsWhenFull(t *testing.T) {
	g := newTestGovernor(t, config.GovernorConfig{QueueSize: 1}, config.CircuitBreakerConfig{})

	gate := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
			close(started)
			<-gate
			return nil, nil
		})
	}()
	<-started

	// Drain is busy with the first call; this one occupies the only slot.
	go func() {
		defer wg.Done()
		g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
	}()
	waitForQueueDepth(t, g, 1)

	_, err := g.Throttle(context.Background(), func(ctx context.Context) (any, error) {
		t.Error("thunk must not run when the queue is full")
		return nil, nil
	})
	if !errors.Is(err, aierr.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if aierr.ClassOf(err) != aierr.ClassRateLimited {
		t.Errorf("queue-full must classify as rate limited, got %v", aierr.ClassOf(err))
	}

	close(gate)
	wg.Wait()
}
