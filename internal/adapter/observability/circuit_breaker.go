package observability

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// StateClosed indicates the circuit is closed and operations pass through.
	StateClosed BreakerState = iota
	// StateOpen indicates operations skip straight to the fallback until the
	// reset timeout elapses.
	StateOpen
	// StateHalfOpen indicates the next operation probes the primary path.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker between the dispatch tool and the
// job tracker. All calls pass through one instance, so transitions are
// linearizable within the process; no cross-process synchronization is
// attempted.
type Breaker struct {
	mu sync.Mutex

	failMax      int
	resetTimeout time.Duration

	state           BreakerState
	failures        int
	lastFailureTime time.Time
}

// NewBreaker creates a closed breaker. failMax consecutive failures open it;
// after resetTimeout the next call probes half-open.
func NewBreaker(failMax int, resetTimeout time.Duration) *Breaker {
	if failMax <= 0 {
		failMax = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{failMax: failMax, resetTimeout: resetTimeout, state: StateClosed}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ForceOpen opens the breaker immediately. Idempotent; used when the store
// reports an authentication failure and further attempts are pointless.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return
	}
	b.state = StateOpen
	b.lastFailureTime = time.Now()
	b.setGauge()
	slog.Warn("circuit breaker forced open", slog.String("reason", reason))
}

// allow decides whether the primary path may run, transitioning open ->
// half-open when the reset timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.setGauge()
			slog.Info("circuit breaker transitioning to half-open",
				slog.Duration("reset_timeout", b.resetTimeout),
				slog.Time("last_failure", b.lastFailureTime))
			return true
		}
		return false
	default:
		return false
	}
}

// onSuccess records a successful primary call.
func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		slog.Info("circuit breaker closed after successful probe")
	}
	b.state = StateClosed
	b.failures = 0
	b.setGauge()
}

// onFailure records a failed primary call and reports whether the breaker is
// now open (fallback applies).
func (b *Breaker) onFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureTime = time.Now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.failMax {
			b.state = StateOpen
			b.setGauge()
			slog.Warn("circuit breaker opened due to failure threshold",
				slog.Int("failures", b.failures),
				slog.Int("fail_max", b.failMax))
			return true
		}
		return false
	case StateHalfOpen:
		b.state = StateOpen
		b.setGauge()
		slog.Warn("circuit breaker re-opened after failed probe")
		return true
	default:
		return true
	}
}

func (b *Breaker) setGauge() {
	BreakerStateGauge.Set(float64(b.state))
}

// Execute runs primary through breaker b. When the breaker is open, or a
// failure opens it, fallback runs instead and its result is returned with
// fell=true. Under-threshold failures in the closed state return the
// primary's error without invoking the fallback.
func Execute[T any](
	b *Breaker,
	primary func() (T, error),
	fallback func(reason string) (T, error),
) (result T, fell bool, err error) {
	if !b.allow() {
		result, err = fallback("circuit breaker open")
		return result, true, err
	}
	result, err = primary()
	if err == nil {
		b.onSuccess()
		return result, false, nil
	}
	if b.onFailure() {
		fres, ferr := fallback("circuit breaker open: " + err.Error())
		return fres, true, ferr
	}
	return result, false, err
}
