package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/aigate/internal/aierr"
	"github.com/example/aigate/internal/breaker"
	"github.com/example/aigate/internal/config"
	"github.com/example/aigate/internal/logging"
)

const (
	defaultQuotaWindow = time.Minute
	sampleBufSize      = 100
)

// Call is a unit of work submitted to the governor. The context it receives
// carries the caller's deadline plus the governor's per-call timeout, if
// one is configured.
type Call func(ctx context.Context) (any, error)

type result struct {
	val any
	err error
}

type task struct {
	ctx  context.Context
	call Call
	done chan result
}

// Governor serializes and paces outbound AI calls. Calls are executed
// strictly FIFO, one at a time, spaced at least minInterval apart and
// capped per fixed 60-second window. A circuit breaker rejects calls
// up front while the upstream is unhealthy.
type Governor struct {
	breaker           *breaker.Breaker
	minInterval       time.Duration
	maxCallsPerMinute int
	callTimeout       time.Duration
	queueSize         int
	window            time.Duration

	mu           sync.Mutex
	queue        []*task
	processing   bool
	windowStart  time.Time
	callCount    int
	lastCallTime time.Time
	samples      [sampleBufSize]time.Duration
	sampleIdx    int
	sampleCount  int

	totalRequests     atomic.Int64
	totalFailures     atomic.Int64
	circuitRejections atomic.Int64
	quotaWaits        atomic.Int64
}

// New creates a governor from config with the given circuit breaker.
func New(cfg config.GovernorConfig, brk *breaker.Breaker) *Governor {
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	maxCalls := cfg.MaxCallsPerMinute
	if maxCalls <= 0 {
		maxCalls = 30
	}

	return &Governor{
		breaker:           brk,
		minInterval:       minInterval,
		maxCallsPerMinute: maxCalls,
		callTimeout:       cfg.CallTimeout,
		queueSize:         cfg.QueueSize,
		window:            defaultQuotaWindow,
		windowStart:       time.Now(),
	}
}

// Breaker returns the governor's circuit breaker.
func (g *Governor) Breaker() *breaker.Breaker { return g.breaker }

// Throttle submits a call and blocks until it has been executed or the
// caller's context is done. The breaker is consulted at submission: while
// the circuit is open the call fails immediately with aierr.ErrCircuitOpen
// without consuming a queue slot. A bounded queue at capacity rejects
// with aierr.ErrQueueFull.
func (g *Governor) Throttle(ctx context.Context, call Call) (any, error) {
	if !g.breaker.CanExecute() {
		g.circuitRejections.Add(1)
		return nil, aierr.ErrCircuitOpen
	}

	t := &task{ctx: ctx, call: call, done: make(chan result, 1)}

	g.mu.Lock()
	if g.queueSize > 0 && len(g.queue) >= g.queueSize {
		g.mu.Unlock()
		return nil, aierr.ErrQueueFull
	}
	g.queue = append(g.queue, t)
	if !g.processing {
		g.processing = true
		go g.drain()
	}
	g.mu.Unlock()

	select {
	case res := <-t.done:
		return res.val, res.err
	case <-ctx.Done():
		// The call cannot be withdrawn from the queue; the drain loop will
		// notice the dead context and skip it without invoking the thunk.
		return nil, ctx.Err()
	}
}

// drain executes queued tasks one at a time until the queue empties.
// Exactly one drain goroutine runs at a time, guarded by the processing
// flag under mu.
func (g *Governor) drain() {
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.processing = false
			g.mu.Unlock()
			return
		}
		t := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		// Caller gave up while queued: skip without consuming quota or
		// touching the breaker.
		if err := t.ctx.Err(); err != nil {
			t.done <- result{err: err}
			continue
		}

		g.waitQuota()
		g.waitSpacing()

		g.mu.Lock()
		g.callCount++
		g.lastCallTime = time.Now()
		g.mu.Unlock()

		g.totalRequests.Add(1)

		ctx := t.ctx
		var cancel context.CancelFunc
		if g.callTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		}

		start := time.Now()
		val, err := t.call(ctx)
		elapsed := time.Since(start)
		if cancel != nil {
			cancel()
		}

		g.recordSample(elapsed)
		if err != nil {
			g.totalFailures.Add(1)
			g.breaker.OnFailure()
		} else {
			g.breaker.OnSuccess()
		}

		t.done <- result{val: val, err: err}
	}
}

// waitQuota blocks until the fixed 60-second window has room for another
// call, resetting the window when it has elapsed.
func (g *Governor) waitQuota() {
	for {
		g.mu.Lock()
		now := time.Now()
		if now.Sub(g.windowStart) > g.window {
			g.windowStart = now
			g.callCount = 0
		}
		if g.callCount < g.maxCallsPerMinute {
			g.mu.Unlock()
			return
		}
		wait := g.windowStart.Add(g.window).Sub(now)
		g.mu.Unlock()

		g.quotaWaits.Add(1)
		logging.Debug("ai call quota reached, waiting for window reset",
			zap.Duration("wait", wait),
			zap.Int("max_calls_per_minute", g.maxCallsPerMinute))
		time.Sleep(wait)
	}
}

// waitSpacing enforces the minimum interval between invocation starts.
func (g *Governor) waitSpacing() {
	g.mu.Lock()
	last := g.lastCallTime
	g.mu.Unlock()

	if last.IsZero() {
		return
	}
	if remaining := g.minInterval - time.Since(last); remaining > 0 {
		time.Sleep(remaining)
	}
}

func (g *Governor) recordSample(d time.Duration) {
	g.mu.Lock()
	g.samples[g.sampleIdx] = d
	g.sampleIdx = (g.sampleIdx + 1) % sampleBufSize
	if g.sampleCount < sampleBufSize {
		g.sampleCount++
	}
	g.mu.Unlock()
}

// Snapshot is a point-in-time view of the governor.
type Snapshot struct {
	QueueDepth        int              `json:"queue_depth"`
	CallsInWindow     int              `json:"calls_in_window"`
	WindowStart       time.Time        `json:"window_start"`
	TotalRequests     int64            `json:"total_requests"`
	TotalFailures     int64            `json:"total_failures"`
	CircuitRejections int64            `json:"circuit_rejections"`
	QuotaWaits        int64            `json:"quota_waits"`
	AvgResponseMs     float64          `json:"avg_response_ms"`
	Breaker           breaker.Snapshot `json:"breaker"`
}

// Snapshot returns current metrics. Circuit rejections are tracked
// separately from request throughput: a rejected call never reached the
// queue.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	depth := len(g.queue)
	calls := g.callCount
	windowStart := g.windowStart
	var sum time.Duration
	for i := 0; i < g.sampleCount; i++ {
		sum += g.samples[i]
	}
	count := g.sampleCount
	g.mu.Unlock()

	var avg float64
	if count > 0 {
		avg = float64(sum.Milliseconds()) / float64(count)
	}

	return Snapshot{
		QueueDepth:        depth,
		CallsInWindow:     calls,
		WindowStart:       windowStart,
		TotalRequests:     g.totalRequests.Load(),
		TotalFailures:     g.totalFailures.Load(),
		CircuitRejections: g.circuitRejections.Load(),
		QuotaWaits:        g.quotaWaits.Load(),
		AvgResponseMs:     avg,
		Breaker:           g.breaker.Snapshot(),
	}
}

// Throttle runs call through the governor preserving its result type.
func Throttle[T any](ctx context.Context, g *Governor, call func(context.Context) (T, error)) (T, error) {
	val, err := g.Throttle(ctx, func(ctx context.Context) (any, error) {
		return call(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}
