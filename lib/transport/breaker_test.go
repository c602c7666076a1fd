package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentwire/agentwire/lib/config"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func breakerConfig() config.PeerConfig {
	cfg := config.DefaultPeerConfig()
	cfg.FailureThreshold = 3
	cfg.RecoveryTimeout = 60 * time.Second
	cfg.HalfOpenMaxCalls = 2
	return cfg
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	assert.Equal(t, CircuitClosed, b.State())
	for i := 0; i < 3; i++ {
		assert.True(t, b.CanExecute())
		b.RecordFailure()
		b.RecordCompletion()
	}
	assert.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, CircuitClosed, b.State(), "failures must be consecutive to open")
	b.RecordFailure()
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.CanExecute())

	clock.advance(59 * time.Second)
	assert.False(t, b.CanExecute(), "still inside recovery timeout")

	clock.advance(2 * time.Second)
	assert.True(t, b.CanExecute())
	assert.Equal(t, CircuitHalfOpen, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)
	assert.True(t, b.CanExecute())

	b.RecordFailure()
	b.RecordCompletion()
	assert.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.CanExecute(), "fresh recovery timeout after the failed probe")
}

func TestBreakerClosesAfterProbeQuota(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)

	// quota is two successful probes
	assert.True(t, b.CanExecute())
	b.RecordSuccess()
	b.RecordCompletion()
	assert.Equal(t, CircuitHalfOpen, b.State())

	assert.True(t, b.CanExecute())
	b.RecordSuccess()
	b.RecordCompletion()
	assert.Equal(t, CircuitClosed, b.State())
	assert.True(t, b.CanExecute())
}

func TestBreakerBoundsConcurrentProbes(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)

	const callers = 16
	var admitted int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CanExecute() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	// half_open_max_calls probe slots, none released yet
	assert.Equal(t, int32(2), admitted)
}

func TestBreakerCompletionReleasesProbeSlot(t *testing.T) {
	clock := newStubClock()
	b := NewCircuitBreaker("peer", breakerConfig(), clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(61 * time.Second)

	assert.True(t, b.CanExecute())
	assert.True(t, b.CanExecute())
	assert.False(t, b.CanExecute(), "both probe slots taken")

	b.RecordCompletion()
	assert.True(t, b.CanExecute(), "completion frees a slot")
}
