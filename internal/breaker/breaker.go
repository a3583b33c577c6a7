package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/aigate/internal/config"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards calls to the upstream AI provider. It opens after a run of
// failures, fast-fails while open, and probes recovery after a cooldown.
type Breaker struct {
	mu                sync.Mutex
	state             State
	failureCount      int
	successCount      int
	lastFailureTime   time.Time
	failureThreshold  int
	recoveryTime      time.Duration
	halfOpenSuccesses int

	// Metrics (atomic for lock-free reads)
	totalChecks    atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a circuit breaker from config.
func New(cfg config.CircuitBreakerConfig) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	recoveryTime := cfg.RecoveryTime
	if recoveryTime <= 0 {
		recoveryTime = 30 * time.Second
	}

	halfOpenSuccesses := cfg.HalfOpenSuccesses
	if halfOpenSuccesses <= 0 {
		halfOpenSuccesses = 2
	}

	return &Breaker{
		state:             StateClosed,
		failureThreshold:  failureThreshold,
		recoveryTime:      recoveryTime,
		halfOpenSuccesses: halfOpenSuccesses,
	}
}

// CanExecute reports whether a call may proceed. Its only side effect is
// the open → half-open transition once the recovery cooldown has elapsed;
// the call that triggers that transition is admitted as the first probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalChecks.Add(1)

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.recoveryTime {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		b.totalRejected.Add(1)
		return false

	case StateHalfOpen:
		return true
	}

	return false
}

// OnSuccess records a successful call. Must be called exactly once for each
// call admitted by CanExecute. While closed, each success pays down one
// accumulated failure rather than wiping the count; a breaker close to the
// threshold therefore regains trust slowly.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.halfOpenSuccesses {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// OnFailure records a failed call. While half-open a single failure reopens
// the breaker immediately.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.lastFailureTime = time.Now()
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.lastFailureTime = time.Now()
		b.successCount = 0
	}
}

// Reset forces the breaker closed with all counters zeroed. Operational
// escape hatch; not used on any normal path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:             b.state.String(),
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		FailureThreshold:  b.failureThreshold,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		TotalChecks:       b.totalChecks.Load(),
		TotalFailures:     b.totalFailures.Load(),
		TotalSuccesses:    b.totalSuccesses.Load(),
		TotalRejected:     b.totalRejected.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	State             string `json:"state"`
	FailureCount      int    `json:"failure_count"`
	SuccessCount      int    `json:"success_count"`
	FailureThreshold  int    `json:"failure_threshold"`
	HalfOpenSuccesses int    `json:"half_open_successes"`
	TotalChecks       int64  `json:"total_checks"`
	TotalFailures     int64  `json:"total_failures"`
	TotalSuccesses    int64  `json:"total_successes"`
	TotalRejected     int64  `json:"total_rejected"`
}
