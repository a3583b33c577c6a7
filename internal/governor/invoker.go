package governor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/aigate/internal/aierr"
	"github.com/example/aigate/internal/config"
	"github.com/example/aigate/internal/logging"
)

// Invoker wraps governor calls with classification-driven bounded retry.
// Rate-limit errors back off from rateLimitBase (2s, 4s, 8s, ...); server
// errors from serverErrBase (1s, 2s, 4s, ...). Circuit-open and client
// errors are never retried.
type Invoker struct {
	gov            *Governor
	maxRetries     int
	rateLimitBase  time.Duration
	serverErrBase  time.Duration
	totalCalls     atomic.Int64
	totalRetries   atomic.Int64
	totalExhausted atomic.Int64

	// OnRetry, if set, is called once per retry with the class of the
	// error that triggered it. Set before first use.
	OnRetry func(class aierr.Class)
}

// NewInvoker creates an invoker from config.
func NewInvoker(cfg config.RetryConfig, gov *Governor) *Invoker {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	rateLimitBase := cfg.RateLimitBackoff
	if rateLimitBase <= 0 {
		rateLimitBase = 2 * time.Second
	}
	serverErrBase := cfg.ServerErrorBackoff
	if serverErrBase <= 0 {
		serverErrBase = time.Second
	}

	return &Invoker{
		gov:           gov,
		maxRetries:    maxRetries,
		rateLimitBase: rateLimitBase,
		serverErrBase: serverErrBase,
	}
}

// Do runs call through the governor with up to maxRetries attempts,
// rethrowing the last error verbatim on exhaustion.
func (iv *Invoker) Do(ctx context.Context, call Call) (any, error) {
	return iv.do(ctx, call, iv.maxRetries)
}

// DoWithRetries is Do with a per-call retry budget override.
func (iv *Invoker) DoWithRetries(ctx context.Context, call Call, maxRetries int) (any, error) {
	if maxRetries <= 0 {
		maxRetries = iv.maxRetries
	}
	return iv.do(ctx, call, maxRetries)
}

func (iv *Invoker) do(ctx context.Context, call Call, maxRetries int) (any, error) {
	iv.totalCalls.Add(1)

	rateLimitDelays := newSchedule(iv.rateLimitBase)
	serverErrDelays := newSchedule(iv.serverErrBase)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		val, err := iv.gov.Throttle(ctx, call)
		if err == nil {
			return val, nil
		}
		lastErr = err

		switch aierr.ClassOf(err) {
		case aierr.ClassCircuitOpen:
			// Known-broken circuit; waiting out the remaining attempts
			// would only delay the inevitable.
			return nil, err

		case aierr.ClassRateLimited:
			delay := rateLimitDelays.NextBackOff()
			logging.Warn("ai call rate limited, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}

		case aierr.ClassServerError:
			if attempt == maxRetries-1 {
				iv.totalExhausted.Add(1)
				return nil, err
			}
			delay := serverErrDelays.NextBackOff()
			logging.Warn("ai provider error, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}

		default:
			// Client or unknown errors are permanent from this layer's
			// perspective.
			return nil, err
		}

		iv.totalRetries.Add(1)
		if iv.OnRetry != nil {
			iv.OnRetry(aierr.ClassOf(err))
		}
	}

	iv.totalExhausted.Add(1)
	return nil, lastErr
}

// newSchedule builds a deterministic doubling backoff starting at base.
func newSchedule(base time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // attempts are bounded by maxRetries, not time
	bo.Reset()
	return bo
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvokerSnapshot is a point-in-time view of invoker activity.
type InvokerSnapshot struct {
	TotalCalls     int64 `json:"total_calls"`
	TotalRetries   int64 `json:"total_retries"`
	TotalExhausted int64 `json:"total_exhausted"`
}

// Snapshot returns current invoker metrics.
func (iv *Invoker) Snapshot() InvokerSnapshot {
	return InvokerSnapshot{
		TotalCalls:     iv.totalCalls.Load(),
		TotalRetries:   iv.totalRetries.Load(),
		TotalExhausted: iv.totalExhausted.Load(),
	}
}

// Do runs call through the invoker preserving its result type.
func Do[T any](ctx context.Context, iv *Invoker, call func(context.Context) (T, error)) (T, error) {
	val, err := iv.Do(ctx, func(ctx context.Context) (any, error) {
		return call(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}
