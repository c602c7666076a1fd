package transport

import (
	"sync"
	"time"

	cb "github.com/emirpasic/gods/queues/circularbuffer"
)

// latencyWindow is how many recent request latencies feed the rolling average.
const latencyWindow = 128

// ConnectionMetrics accumulates per-peer request counters and a rolling
// average latency over the most recent requests. Counters only ever grow;
// the latency window evicts its oldest sample once full.
type ConnectionMetrics struct {
	mu             sync.Mutex
	totalRequests  uint64
	successful     uint64
	failed         uint64
	retries        uint64
	circuitBreaks  uint64
	latencySamples *cb.Queue
}

// MetricsSnapshot is a point-in-time copy of one peer's metrics.
type MetricsSnapshot struct {
	TotalRequests  uint64
	Successful     uint64
	Failed         uint64
	Retries        uint64
	CircuitBreaks  uint64
	AverageLatency time.Duration
}

// NewConnectionMetrics creates an empty metrics record.
func NewConnectionMetrics() *ConnectionMetrics {
	return &ConnectionMetrics{
		latencySamples: cb.New(latencyWindow),
	}
}

// RecordSuccess counts a completed request and folds its latency into the
// rolling window.
func (m *ConnectionMetrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.successful++
	m.latencySamples.Enqueue(latency)
}

// RecordFailure counts a failed request.
func (m *ConnectionMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.failed++
}

// RecordRetry counts one retry attempt beyond the first try.
func (m *ConnectionMetrics) RecordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

// RecordCircuitBreak counts a request rejected by the breaker before any I/O.
func (m *ConnectionMetrics) RecordCircuitBreak() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.circuitBreaks++
}

// Snapshot returns a copy of the counters and the current rolling average.
func (m *ConnectionMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum time.Duration
	values := m.latencySamples.Values()
	for _, v := range values {
		sum += v.(time.Duration)
	}
	var avg time.Duration
	if len(values) > 0 {
		avg = sum / time.Duration(len(values))
	}
	return MetricsSnapshot{
		TotalRequests:  m.totalRequests,
		Successful:     m.successful,
		Failed:         m.failed,
		Retries:        m.retries,
		CircuitBreaks:  m.circuitBreaks,
		AverageLatency: avg,
	}
}
