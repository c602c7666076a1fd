package transport

import (
	"sync"
	"time"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/util/logger"
	timeutil "github.com/agentwire/agentwire/lib/util/time"
)

// CircuitState is the breaker's position in its closed/open/half-open cycle.
type CircuitState int

const (
	// CircuitClosed permits all calls.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all calls until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a bounded number of concurrent probe calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks one peer's recent failures and gates outbound calls.
// Recovery is asymmetric on purpose: a single half-open failure reopens the
// circuit, while closing it again requires a full quota of probe successes.
//
// Callers pair every admitted call with exactly one RecordCompletion, plus a
// RecordSuccess or RecordFailure for its outcome.
type CircuitBreaker struct {
	peerID string
	clock  timeutil.Clock

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	inFlight        int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a closed breaker for the given peer.
func NewCircuitBreaker(peerID string, cfg config.PeerConfig, clock timeutil.Clock) *CircuitBreaker {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &CircuitBreaker{
		peerID:           peerID,
		clock:            clock,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		state:            CircuitClosed,
	}
}

// State returns the breaker's current state. Open breakers whose recovery
// timeout has elapsed still report Open here; only CanExecute transitions.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanExecute reports whether a call may proceed and reserves a probe slot
// when half-open. The first check after the recovery timeout moves an open
// breaker to half-open with fresh counters.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.clock.Now().Sub(b.lastFailureTime) < b.recoveryTimeout {
			return false
		}
		b.state = CircuitHalfOpen
		b.failureCount = 0
		b.successCount = 0
		b.inFlight = 1
		log.WithField("peer", b.peerID).Debug("Circuit breaker half-open, probing")
		return true
	case CircuitHalfOpen:
		if b.inFlight >= b.halfOpenMaxCalls {
			return false
		}
		b.inFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful call. Enough half-open successes close
// the circuit; in the closed state it clears the consecutive-failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failureCount = 0
	case CircuitHalfOpen:
		b.successCount++
		if b.successCount >= b.halfOpenMaxCalls {
			b.state = CircuitClosed
			b.failureCount = 0
			b.successCount = 0
			b.inFlight = 0
			log.WithField("peer", b.peerID).Debug("Circuit breaker closed after recovery")
		}
	}
}

// RecordFailure notes a failed call. Reaching the failure threshold while
// closed opens the circuit; any failure while half-open reopens it.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.open()
		}
	case CircuitHalfOpen:
		b.open()
	case CircuitOpen:
		b.lastFailureTime = b.clock.Now()
	}
}

// RecordCompletion releases the half-open probe slot reserved by CanExecute.
// Safe to call in every state; calls in other states are no-ops.
func (b *CircuitBreaker) RecordCompletion() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

func (b *CircuitBreaker) open() {
	b.state = CircuitOpen
	b.failureCount = 0
	b.successCount = 0
	b.inFlight = 0
	b.lastFailureTime = b.clock.Now()
	log.WithFields(logger.Fields{
		"peer":             b.peerID,
		"recovery_timeout": b.recoveryTimeout,
	}).Warn("Circuit breaker opened")
}
