// Package transport moves envelopes between peers over pooled HTTP
// connections.
//
// # Overview
//
// Each registered peer gets one reusable connection handle, one
// CircuitBreaker, and one ConnectionMetrics record. Every outbound call is
// gated by the peer's breaker and retried with capped exponential backoff;
// a failing peer is isolated without affecting requests to other peers.
//
// # Circuit Breaker
//
// The breaker cycles closed -> open -> half-open:
//   - Closed: all calls permitted; consecutive failures count up.
//   - Open: calls rejected without I/O until the recovery timeout elapses.
//   - HalfOpen: a bounded number of concurrent probes; one failure reopens,
//     a full quota of successes closes.
//
// # Thread Safety
//
// PooledConnectionManager is safe for concurrent use. Breaker transitions
// and metrics updates are serialized per peer; different peers never
// contend with each other beyond the registration map.
package transport
