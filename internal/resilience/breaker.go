package resilience

import (
	"errors"
	"sync"
	"time"
)

// Circuit states.
type CircuitState string

const (
	StateClosed   CircuitState = "CLOSED"
	StateOpen     CircuitState = "OPEN"
	StateHalfOpen CircuitState = "HALF_OPEN"
)

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures in CLOSED before opening
	SuccessThreshold int           // successes in HALF_OPEN before closing
	HalfOpenMaxCalls int           // concurrent trial calls allowed in HALF_OPEN
	ResetTimeout     time.Duration // OPEN -> HALF_OPEN after this long
	OnStateChange    func(from, to CircuitState)
}

// Breaker is a tri-state circuit breaker guarding LLM calls. State queries
// are lazy: OPEN transitions to HALF_OPEN on the first observation after the
// reset timeout.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time // test seam

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	halfOpenCalls int
	openedAt      time.Time
	lastFailureAt time.Time
}

// NewBreaker builds a breaker with sane defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// Allow reports whether a call may proceed, reserving a half-open slot when
// applicable. Callers must report the outcome via Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// Failure records a failed call. Cancellations must not be reported here.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in trial re-opens and re-arms the reset window.
		b.transition(StateOpen)
	}
}

// State returns the current state, applying the lazy OPEN->HALF_OPEN check so
// observers see the same view Allow would.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Counts returns the failure/success counters for observability.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

// transition must be called with the lock held.
func (b *Breaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed, StateHalfOpen:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
