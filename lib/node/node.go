package node

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/crypto"
	"github.com/agentwire/agentwire/lib/keys"
	"github.com/agentwire/agentwire/lib/messages"
	"github.com/agentwire/agentwire/lib/session"
	"github.com/agentwire/agentwire/lib/transport"
	"github.com/agentwire/agentwire/lib/util/logger"
	timeutil "github.com/agentwire/agentwire/lib/util/time"
)

var log = logger.GetAgentwireLogger()

// HandshakePath is the peer endpoint path handshake envelopes are POSTed to.
const HandshakePath = "/agentwire/handshake"

// MessagePath is the peer endpoint path application envelopes are POSTed to.
const MessagePath = "/agentwire/messages"

// Node is one agent endpoint: a long-term identity plus the session, crypto,
// and connection managers that serve it.
type Node struct {
	// keystore for the long-term identity
	*keys.IdentityKeystore

	cfg      config.NodeConfig
	identity *keys.IdentityKeys
	sessions *session.SessionManager
	crypto   *crypto.CryptoManager
	pool     *transport.PooledConnectionManager

	// close channel
	closeChnl chan struct{}
	// stops the expiry sweeper
	sweepCancel context.CancelFunc
	// running flag and mutex for thread-safe access
	running bool
	runMux  sync.RWMutex
}

// CreateNode assembles a node from configuration: identity keys are loaded
// from (or generated into) the working directory, and the managers are wired
// together with a shared clock.
func CreateNode(cfg config.NodeConfig, sessionCfg config.SessionConfig, hsCfg config.HandshakeConfig, clock timeutil.Clock) (*Node, error) {
	log.Debug("Creating node with provided configuration")

	n := &Node{
		cfg:       cfg,
		closeChnl: make(chan struct{}, 1),
	}
	if err := initializeNodeKeystore(n); err != nil {
		return nil, err
	}
	if n.cfg.EntityID == "" {
		n.cfg.EntityID = n.IdentityKeystore.KeyID()
	}

	n.sessions = session.NewSessionManager(sessionCfg)
	n.crypto = crypto.NewCryptoManager(n.cfg.EntityID, n.identity, n.sessions, clock, hsCfg)
	n.pool = transport.NewPooledConnectionManager(clock)

	log.WithField("entity_id", n.cfg.EntityID).Debug("Node created successfully")
	return n, nil
}

// initializeNodeKeystore loads or generates the node's long-term identity
func initializeNodeKeystore(n *Node) error {
	log.Debug("Working directory is:", n.cfg.WorkingDir)

	keystore, err := keys.NewIdentityKeystore(n.cfg.WorkingDir, "localNode")
	if err != nil {
		log.WithError(err).Error("Failed to create IdentityKeystore")
		return err
	}
	if err := keystore.StoreKeys(); err != nil {
		log.WithError(err).Error("Failed to store IdentityKeystore")
		return err
	}
	identity, err := keystore.GetKeys()
	if err != nil {
		log.WithError(err).Error("Failed to get keys from IdentityKeystore")
		return err
	}
	n.IdentityKeystore = keystore
	n.identity = identity
	log.WithField("key_id", keystore.KeyID()).Debug("IdentityKeystore ready")
	return nil
}

// EntityID returns the node's logical identifier.
func (n *Node) EntityID() string {
	return n.cfg.EntityID
}

// Crypto exposes the node's crypto manager.
func (n *Node) Crypto() *crypto.CryptoManager {
	return n.crypto
}

// Sessions exposes the node's session manager.
func (n *Node) Sessions() *session.SessionManager {
	return n.sessions
}

// Pool exposes the node's connection manager.
func (n *Node) Pool() *transport.PooledConnectionManager {
	return n.pool
}

// RegisterPeer records a peer's endpoint, connection configuration, and
// long-term public key.
func (n *Node) RegisterPeer(peerID, endpoint string, peerCfg config.PeerConfig, publicKey []byte) {
	n.crypto.RegisterPeerKey(peerID, publicKey)
	n.pool.RegisterPeer(peerID, endpoint, peerCfg)
}

// ConnectPeer runs the full handshake with a registered peer over the pooled
// connection and returns the established session id. Idempotent: an already
// established session is returned as-is.
func (n *Node) ConnectPeer(ctx context.Context, peerID string) (string, error) {
	if s := n.sessions.SessionForPair(n.cfg.EntityID, peerID); s != nil && s.Established() {
		return s.ID(), nil
	}

	s, initEnv, err := n.crypto.CreateHandshakeMessage(peerID)
	if err != nil {
		return "", err
	}
	respEnv, err := n.postEnvelope(ctx, peerID, HandshakePath, initEnv, true)
	if err != nil {
		n.sessions.TerminateSession(s.ID())
		return "", err
	}

	confirmEnv, err := n.crypto.ConfirmHandshake(s.ID(), respEnv)
	if err != nil {
		return "", err
	}
	if _, err := n.postEnvelope(ctx, peerID, HandshakePath, confirmEnv, false); err != nil {
		n.sessions.TerminateSession(s.ID())
		return "", err
	}

	log.WithFields(logger.Fields{
		"peer":       peerID,
		"session_id": s.ID(),
	}).Debug("Peer connected")
	return s.ID(), nil
}

// SendMessage encrypts a payload for the peer and delivers it through the
// pooled connection. The peer pair must have an established session.
func (n *Node) SendMessage(ctx context.Context, peerID string, payload interface{}) error {
	s := n.sessions.SessionForPair(n.cfg.EntityID, peerID)
	if s == nil {
		return oops.Errorf("no session with %s: %w", peerID, session.ErrSessionExpired)
	}
	env, err := n.crypto.EncryptMessage(s.ID(), payload)
	if err != nil {
		return err
	}
	_, err = n.postEnvelope(ctx, peerID, MessagePath, env, false)
	return err
}

// ReceiveHandshake is the inbound handshake surface for whatever server or
// queue fronts this node. The reply envelope bytes (if any) should be
// returned to the sender.
func (n *Node) ReceiveHandshake(remoteID string, data []byte) ([]byte, error) {
	reply, err := n.crypto.DeliverHandshake(remoteID, data)
	if err != nil || reply == nil {
		return nil, err
	}
	return reply.Marshal()
}

// ReceiveMessage is the inbound surface for application envelopes; it
// returns the decrypted plaintext.
func (n *Node) ReceiveMessage(data []byte) ([]byte, error) {
	return n.crypto.DeliverMessage(data)
}

// postEnvelope delivers an envelope to the peer and, when a reply is
// expected, parses the response body as an envelope.
func (n *Node) postEnvelope(ctx context.Context, peerID, path string, env *messages.Envelope, wantReply bool) (*messages.Envelope, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	resp, err := n.pool.Request(ctx, peerID, "POST", path, data)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, oops.Errorf("peer %s rejected %s with status %d", peerID, path, resp.StatusCode)
	}
	if !wantReply {
		return nil, nil
	}
	return messages.ParseEnvelope(resp.Body)
}

// Start starts the node's background expiry sweeper and mainloop.
func (n *Node) Start() {
	n.runMux.Lock()
	defer n.runMux.Unlock()

	if n.running {
		log.WithFields(logger.Fields{
			"at":     "(Node) Start",
			"reason": "node is already running",
		}).Error("Error starting node")
		return
	}
	log.Debug("Starting node")
	n.running = true

	ctx, cancel := context.WithCancel(context.Background())
	n.sweepCancel = cancel
	n.sessions.StartSweeper(ctx)
	go n.mainloop()
}

// Stop signals the mainloop and sweeper to shut down.
func (n *Node) Stop() {
	n.runMux.Lock()
	defer n.runMux.Unlock()

	if !n.running {
		return
	}
	n.running = false
	if n.sweepCancel != nil {
		n.sweepCancel()
	}
	select {
	case n.closeChnl <- struct{}{}:
		log.Debug("Node stop signal sent")
	default:
		log.Debug("Node stop signal already sent")
	}
}

// Wait blocks until the node has been stopped.
func (n *Node) Wait() {
	for {
		n.runMux.RLock()
		running := n.running
		n.runMux.RUnlock()
		if !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Close terminates every remaining session so nothing can start up again.
func (n *Node) Close() error {
	for _, id := range n.sessions.ActiveSessionIDs() {
		n.sessions.TerminateSession(id)
	}
	return nil
}

func (n *Node) mainloop() {
	log.WithField("entity_id", n.cfg.EntityID).Debug("Node ready")
	for {
		n.runMux.RLock()
		shouldRun := n.running
		n.runMux.RUnlock()
		if !shouldRun {
			return
		}
		select {
		case <-n.closeChnl:
			log.Debug("Node received close signal in mainloop")
			return
		case <-time.After(time.Second):
		}
	}
}
