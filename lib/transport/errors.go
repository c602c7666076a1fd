package transport

import "github.com/samber/oops"

// error for when a request names a peer nobody registered
var ErrPeerNotRegistered = oops.Errorf("peer is not registered")

// error for when the peer's circuit breaker refuses the call
var ErrCircuitBreakerOpen = oops.Errorf("circuit breaker is open")

// error for when retries are exhausted or the transport fails outright
var ErrConnectionPool = oops.Errorf("connection pool request failed")
