package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/util/logger"
	timeutil "github.com/agentwire/agentwire/lib/util/time"
)

var log = logger.GetAgentwireLogger()

// backoffBase is the pause before the first retry; later retries double it.
const backoffBase = 500 * time.Millisecond

// backoffCap bounds the pause between retries.
const backoffCap = 30 * time.Second

// Dialer performs one request/response exchange with a peer. The default is
// a per-peer http.Client; tests and alternative transports substitute their
// own.
type Dialer interface {
	Do(req *http.Request) (*http.Response, error)
	CloseIdleConnections()
}

// Response is the transport-level outcome of a pooled request. A 4xx status
// is a definitive answer from a healthy peer, so it comes back as a Response
// rather than an error.
type Response struct {
	StatusCode int
	Body       []byte
}

type peerConn struct {
	baseURL string
	cfg     config.PeerConfig
	breaker *CircuitBreaker
	dialer  Dialer
}

// PooledConnectionManager owns one reusable connection, one circuit breaker,
// and one metrics record per registered peer. Requests to one peer never
// block on another peer's I/O.
type PooledConnectionManager struct {
	clock     timeutil.Clock
	newDialer func(config.PeerConfig) Dialer

	mu    sync.RWMutex
	peers map[string]*peerConn
	// metrics outlive their peer registration for post-mortem inspection
	metrics map[string]*ConnectionMetrics
}

// NewPooledConnectionManager creates an empty connection manager.
func NewPooledConnectionManager(clock timeutil.Clock) *PooledConnectionManager {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &PooledConnectionManager{
		clock:     clock,
		newDialer: newHTTPDialer,
		peers:     make(map[string]*peerConn),
		metrics:   make(map[string]*ConnectionMetrics),
	}
}

// SetDialerFactory replaces how per-peer connections are built. It applies
// to peers registered afterwards.
func (p *PooledConnectionManager) SetDialerFactory(f func(config.PeerConfig) Dialer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newDialer = f
}

// RegisterPeer creates the connection handle, circuit breaker, and metrics
// record for a peer. Re-registering replaces the configuration and breaker
// but keeps the peer's historical metrics.
func (p *PooledConnectionManager) RegisterPeer(peerID, baseURL string, cfg config.PeerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.peers[peerID]; ok {
		go old.dialer.CloseIdleConnections()
	}
	p.peers[peerID] = &peerConn{
		baseURL: baseURL,
		cfg:     cfg,
		breaker: NewCircuitBreaker(peerID, cfg, p.clock),
		dialer:  p.newDialer(cfg),
	}
	if _, ok := p.metrics[peerID]; !ok {
		p.metrics[peerID] = NewConnectionMetrics()
	}
	log.WithFields(logger.Fields{
		"peer":     peerID,
		"endpoint": baseURL,
	}).Debug("Registered peer connection")
}

// UnregisterPeer drops the peer's configuration and breaker and closes its
// connection in the background. The metrics record is retained.
func (p *PooledConnectionManager) UnregisterPeer(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.peers[peerID]
	if !ok {
		return
	}
	delete(p.peers, peerID)
	go pc.dialer.CloseIdleConnections()
	log.WithField("peer", peerID).Debug("Unregistered peer connection")
}

// Request performs one call to a registered peer through its circuit breaker
// with bounded retries. Connection-level failures and 5xx responses retry
// with exponential backoff; any other status is returned as-is. A breaker
// rejection reports ErrCircuitBreakerOpen without touching the network.
func (p *PooledConnectionManager) Request(ctx context.Context, peerID, verb, path string, body []byte) (*Response, error) {
	p.mu.RLock()
	pc, ok := p.peers[peerID]
	metrics := p.metrics[peerID]
	p.mu.RUnlock()
	if !ok {
		return nil, oops.Errorf("no connection for peer %s: %w", peerID, ErrPeerNotRegistered)
	}

	if !pc.breaker.CanExecute() {
		metrics.RecordCircuitBreak()
		return nil, oops.Errorf("peer %s is circuit-broken: %w", peerID, ErrCircuitBreakerOpen)
	}
	defer pc.breaker.RecordCompletion()

	var lastErr error
	for attempt := 0; attempt <= pc.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordRetry()
			if err := sleepContext(ctx, backoffDelay(attempt)); err != nil {
				return nil, oops.Errorf("request to %s canceled during backoff: %w", peerID, ErrConnectionPool)
			}
		}

		start := p.clock.Now()
		resp, err := p.attempt(ctx, pc, verb, path, body)
		if err != nil {
			pc.breaker.RecordFailure()
			metrics.RecordFailure()
			lastErr = err
			log.WithFields(logger.Fields{
				"peer":    peerID,
				"attempt": attempt + 1,
				"error":   err.Error(),
			}).Debug("Request attempt failed")
			continue
		}
		if resp.StatusCode >= 500 {
			pc.breaker.RecordFailure()
			metrics.RecordFailure()
			lastErr = oops.Errorf("peer %s returned status %d", peerID, resp.StatusCode)
			continue
		}

		pc.breaker.RecordSuccess()
		metrics.RecordSuccess(p.clock.Now().Sub(start))
		return resp, nil
	}
	return nil, oops.Errorf("request to %s exhausted %d attempts: %s: %w",
		peerID, pc.cfg.MaxRetries+1, lastErr, ErrConnectionPool)
}

func (p *PooledConnectionManager) attempt(ctx context.Context, pc *peerConn, verb, path string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, verb, pc.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, oops.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := pc.dialer.Do(req)
	if err != nil {
		return nil, oops.Errorf("transport failure: %w", err)
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, oops.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
}

// GetMetrics returns a snapshot of the peer's metrics. Metrics survive
// unregistration, so this works for former peers too.
func (p *PooledConnectionManager) GetMetrics(peerID string) (MetricsSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.metrics[peerID]
	if !ok {
		return MetricsSnapshot{}, false
	}
	return m.Snapshot(), true
}

// GetCircuitStates returns the breaker state of every registered peer.
func (p *PooledConnectionManager) GetCircuitStates() map[string]CircuitState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	states := make(map[string]CircuitState, len(p.peers))
	for id, pc := range p.peers {
		states[id] = pc.breaker.State()
	}
	return states
}

// backoffDelay is the pause before retry attempt n (1-based): exponential
// from backoffBase, capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newHTTPDialer(cfg config.PeerConfig) Dialer {
	return &http.Client{
		Timeout: cfg.TotalTimeout,
		Transport: &http.Transport{
			MaxConnsPerHost:     cfg.MaxConnections,
			MaxIdleConnsPerHost: cfg.MaxKeepalive,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
		},
	}
}
