package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/crypto"
	"github.com/InterCooperative-Network/icn-core/observability/logging"
)

const (
	maxDialBackoff          = 2 * time.Minute
	outboundQueueSize       = 64
	greylistRateMultiplier  = 0.25
	slowPenalty             = 3
	defaultHandshakeTimeout = 5 * time.Second
	defaultPeerBanDuration  = 15 * time.Minute
)

var errQueueFull = errors.New("peer outbound queue full")

// ServerConfig configures a mesh transport Server: chain identity, peer
// limits, handshake/read/write timeouts, rate limiting, and bootstrap
// sources (bootnodes, persistent peers, and PEX-style seeds).
type ServerConfig struct {
	ListenAddress string
	ChainID       uint64
	GenesisHash   []byte
	ClientVersion string

	MaxPeers      int
	MaxInbound    int
	MaxOutbound   int
	MinPeers      int
	OutboundPeers int

	Bootnodes       []string
	PersistentPeers []string
	Seeds           []string
	EnablePEX       bool

	DialBackoff    time.Duration
	MaxDialBackoff time.Duration

	HandshakeTimeout time.Duration
	PeerBanDuration  time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageBytes  int

	RateMsgsPerSec float64
	RateBurst      float64

	BanScore  int
	GreyScore int

	Logger *slog.Logger
}

// PeerRecord tracks liveness bookkeeping independent of reputation scoring.
type PeerRecord struct {
	LastSeen time.Time
}

type peerMetrics struct {
	invalid int
}

// PeerNetInfo is a lightweight connected-peer summary for diagnostics/RPC.
type PeerNetInfo struct {
	NodeID string
	State  string
}

// PeerSnapshot identifies a currently registered peer.
type PeerSnapshot struct {
	NodeID string
}

// Server coordinates authenticated peer connections, message dissemination,
// rate limiting, and reputation/peerstore bookkeeping for the gossip mesh.
type Server struct {
	cfg     ServerConfig
	privKey *crypto.PrivateKey
	nodeID  string
	genesis []byte
	handler MessageHandler

	mu            sync.RWMutex
	peers         map[string]*Peer
	byAddr        map[string]*Peer
	records       map[string]*PeerRecord
	metrics       map[string]*peerMetrics
	inboundCount  int
	outboundCount int

	listenMu    sync.RWMutex
	listenAddrs []string
	listener    net.Listener

	dialMu      sync.Mutex
	pendingDial map[string]struct{}
	backoff     map[string]time.Duration
	persistent  map[string]struct{}

	seeds      []seedEndpoint
	peerstore  *Peerstore
	reputation *ReputationManager
	nonceGuard *nonceGuard
	pex        *pexManager
	connMgr    *connManager

	ratePerPeer   float64
	rateBurst     float64
	ipLimiter     *ipRateLimiter
	globalLimiter *tokenBucket

	metricsCollector *networkMetrics
	logger           *slog.Logger

	now    func() time.Time
	dialFn func(ctx context.Context, addr string) (net.Conn, error)

	quit chan struct{}
}

// NewServer constructs a Server identified by privKey, dispatching
// non-control messages to handler.
func NewServer(handler MessageHandler, privKey *crypto.PrivateKey, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:              cfg,
		privKey:          privKey,
		nodeID:           deriveNodeID(privKey),
		genesis:          append([]byte{}, cfg.GenesisHash...),
		handler:          handler,
		peers:            make(map[string]*Peer),
		byAddr:           make(map[string]*Peer),
		records:          make(map[string]*PeerRecord),
		metrics:          make(map[string]*peerMetrics),
		pendingDial:      make(map[string]struct{}),
		backoff:          make(map[string]time.Duration),
		persistent:       make(map[string]struct{}),
		reputation:       NewReputationManager(ReputationConfig{GreyScore: cfg.GreyScore, BanScore: cfg.BanScore, BanDuration: cfg.PeerBanDuration}),
		nonceGuard:       newNonceGuard(defaultNonceGuardTTL),
		metricsCollector: newNetworkMetrics(),
		logger:           logger,
		now:              time.Now,
		ratePerPeer:      cfg.RateMsgsPerSec,
		rateBurst:        cfg.RateBurst,
		quit:             make(chan struct{}),
	}
	s.dialFn = s.defaultDial

	for _, addr := range cfg.PersistentPeers {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			s.persistent[addr] = struct{}{}
		}
	}

	if cfg.RateMsgsPerSec > 0 {
		s.ipLimiter = newIPRateLimiter(cfg.RateMsgsPerSec*4, maxFloat(cfg.RateBurst*4, 1))
		peerCap := float64(maxInt(cfg.MaxPeers, 1))
		s.globalLimiter = newTokenBucket(cfg.RateMsgsPerSec*peerCap, cfg.RateBurst*peerCap)
	}

	s.seeds = parseSeedList(cfg.Seeds, logger)
	s.pex = newPexManager(s)
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Start binds the listen address (if configured), begins accepting inbound
// connections, and kicks off bootstrap dialers. It blocks until the server
// is stopped.
func (s *Server) Start() error {
	if strings.TrimSpace(s.cfg.ListenAddress) != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
		}
		s.listenMu.Lock()
		s.listener = ln
		s.addListenAddressLocked(ln.Addr().String())
		s.listenMu.Unlock()
		go s.acceptLoop(ln)
	}

	s.startDialers()
	s.startConnManager()

	<-s.quit
	return fmt.Errorf("use of closed network connection")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.loggerOrDefault().Warn("accept failed", slog.String("error", err.Error()))
			return
		}
		go s.handleInbound(conn)
	}
}

func (s *Server) addListenAddress(addr string) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.addListenAddressLocked(addr)
}

func (s *Server) addListenAddressLocked(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	for _, existing := range s.listenAddrs {
		if existing == addr {
			return
		}
	}
	s.listenAddrs = append(s.listenAddrs, addr)
}

// ListenAddresses reports every address this server is currently bound to.
func (s *Server) ListenAddresses() []string {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	return append([]string{}, s.listenAddrs...)
}

// NodeID returns this server's identity, derived from its signing key.
func (s *Server) NodeID() string {
	return s.nodeID
}

func (s *Server) defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (s *Server) dialTimeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeout > 0 {
		return s.cfg.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (s *Server) banDuration() time.Duration {
	if s.cfg.PeerBanDuration > 0 {
		return s.cfg.PeerBanDuration
	}
	return defaultPeerBanDuration
}

func (s *Server) loggerOrDefault() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// handleInbound performs the responder side of a handshake on conn and
// registers the peer on success, closing conn on any failure.
func (s *Server) handleInbound(conn net.Conn) {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout())
	defer cancel()

	packet, err := s.performHandshake(ctx, conn, reader)
	if err != nil {
		conn.Close()
		return
	}
	if _, err := s.registerPeer(packet, conn, reader, true, false, ""); err != nil {
		conn.Close()
	}
}

// Connect dials addr, performs the initiator side of a handshake, and
// registers the resulting peer.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("dial address required")
	}
	if s.isConnectedToAddress(addr) {
		return fmt.Errorf("already connected to %s", addr)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), s.dialTimeout())
	conn, err := s.dialFn(dialCtx, addr)
	dialCancel()
	if err != nil {
		s.markDialFailure(addr)
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	reader := bufio.NewReader(conn)
	hctx, hcancel := context.WithTimeout(context.Background(), s.handshakeTimeout())
	packet, err := s.performHandshake(hctx, conn, reader)
	hcancel()
	if err != nil {
		conn.Close()
		s.markDialFailure(addr)
		return err
	}

	persistent := s.isPersistent(addr)
	if _, err := s.registerPeer(packet, conn, reader, false, persistent, addr); err != nil {
		conn.Close()
		return err
	}

	if s.peerstore != nil {
		_, _ = s.peerstore.RecordSuccess(packet.nodeID, s.now())
	}
	s.resetBackoff(addr)
	return nil
}

func (s *Server) registerPeer(packet *handshakePacket, conn net.Conn, reader *bufio.Reader, inbound bool, persistent bool, dialAddr string) (*Peer, error) {
	if packet == nil || packet.nodeID == "" {
		return nil, fmt.Errorf("handshake packet missing node ID")
	}
	if packet.nodeID == s.nodeID {
		return nil, fmt.Errorf("refusing to connect to self")
	}

	s.mu.Lock()
	if existing := s.peers[packet.nodeID]; existing != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("peer %s already connected", packet.nodeID)
	}
	if inbound && s.cfg.MaxInbound > 0 && s.inboundCount >= s.cfg.MaxInbound {
		s.mu.Unlock()
		return nil, fmt.Errorf("inbound peer limit reached")
	}
	if !inbound && s.cfg.MaxOutbound > 0 && s.outboundCount >= s.cfg.MaxOutbound {
		s.mu.Unlock()
		return nil, fmt.Errorf("outbound peer limit reached")
	}

	peer := newPeer(packet.nodeID, packet.ClientVersion, conn, reader, s, inbound, persistent, dialAddr)
	s.peers[packet.nodeID] = peer
	addrKey := dialAddr
	if addrKey == "" {
		addrKey = conn.RemoteAddr().String()
	}
	s.byAddr[addrKey] = peer
	s.records[packet.nodeID] = &PeerRecord{LastSeen: s.now()}
	if inbound {
		s.inboundCount++
	} else {
		s.outboundCount++
	}
	s.mu.Unlock()

	if s.metricsCollector != nil {
		s.metricsCollector.recordHandshake("success")
	}
	if s.pex != nil {
		announced := addrKey
		if len(packet.addrs) > 0 {
			announced = packet.addrs[0]
		}
		s.pex.recordPeer(packet.nodeID, announced, s.now())
	}
	if s.peerstore != nil {
		_ = s.peerstore.Put(PeerstoreEntry{NodeID: packet.nodeID, Addr: addrKey})
	}

	peer.start()
	return peer, nil
}

// removePeer unregisters peer, optionally banning it, and logs the removal
// with identifying fields redacted.
func (s *Server) removePeer(peer *Peer, ban bool, reason error) {
	if peer == nil {
		return
	}
	s.mu.Lock()
	if existing, ok := s.peers[peer.id]; ok && existing == peer {
		delete(s.peers, peer.id)
		if peer.inbound {
			if s.inboundCount > 0 {
				s.inboundCount--
			}
		} else if s.outboundCount > 0 {
			s.outboundCount--
		}
	}
	addrKey := peer.dialAddr
	if addrKey == "" {
		addrKey = peer.remoteAddr
	}
	if existing, ok := s.byAddr[addrKey]; ok && existing == peer {
		delete(s.byAddr, addrKey)
	}
	delete(s.metrics, peer.id)
	s.mu.Unlock()

	now := s.now()
	if ban {
		until := now.Add(s.banDuration())
		if s.reputation != nil {
			s.reputation.SetBan(peer.id, until, now)
		}
		if s.peerstore != nil {
			_ = s.peerstore.SetBan(peer.id, until)
		}
	}
	if s.metricsCollector != nil {
		s.metricsCollector.removePeer(peer.id)
	}

	attrs := []any{logging.MaskField("peer_id", peer.id), logging.MaskField("peer_address", peer.remoteAddr)}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	s.loggerOrDefault().Info("peer removed", attrs...)
}

// Broadcast enqueues msg on every connected peer's outbound queue.
func (s *Server) Broadcast(msg *Message) error {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var errs []string
	for _, p := range peers {
		if err := p.Enqueue(msg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p.id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("broadcast errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NetPeers summarizes currently connected peers for diagnostics/RPC.
func (s *Server) NetPeers() []PeerNetInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerNetInfo, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, PeerNetInfo{NodeID: id, State: "connected"})
	}
	return out
}

// SnapshotPeers lists the node IDs of every currently registered peer.
func (s *Server) SnapshotPeers() []PeerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerSnapshot, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, PeerSnapshot{NodeID: id})
	}
	return out
}

// DialPeer attempts to connect to nodeID using whatever address PEX, the
// peerstore, or the configured seeds have on record for it.
func (s *Server) DialPeer(nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return fmt.Errorf("node ID required")
	}
	if s.hasPeer(nodeID) {
		return nil
	}

	addr := ""
	if s.pex != nil {
		addr = s.pex.lookupAddr(nodeID)
	}
	if addr == "" && s.peerstore != nil {
		if rec, ok := s.peerstore.ByNodeID(nodeID); ok {
			addr = rec.Addr
		}
	}
	if addr == "" {
		for _, seed := range s.seeds {
			if seed.NodeID == nodeID {
				addr = seed.Address
				break
			}
		}
	}
	if addr == "" {
		return fmt.Errorf("no known address for peer %s", nodeID)
	}
	return s.Connect(addr)
}

// SetPeerstore attaches a persistent peerstore, enabling dial scheduling,
// backoff, and ban persistence.
func (s *Server) SetPeerstore(store *Peerstore) {
	s.mu.Lock()
	s.peerstore = store
	s.mu.Unlock()
}

// startConnManager builds and starts the background connection manager
// responsible for seed dialing, outbound fill, and peer pruning.
func (s *Server) startConnManager() {
	mgr := newConnManager(s)
	if mgr == nil {
		return
	}
	s.connMgr = mgr
	mgr.start()
}

func (s *Server) isBanned(id string) bool {
	if id == "" {
		return false
	}
	now := s.now()
	if s.reputation != nil && s.reputation.IsBanned(id, now) {
		return true
	}
	if s.peerstore != nil && s.peerstore.IsBanned(id, now) {
		return true
	}
	return false
}

func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	if peer == nil {
		return
	}
	now := s.now()
	if s.reputation != nil {
		status := s.reputation.PenalizeMalformed(peer.id, now, peer.persistent)
		if s.metricsCollector != nil {
			s.metricsCollector.observePeerStatus(peer.id, status)
		}
	}
	s.incrementInvalidMetric(peer.id)
	peer.terminate(true, err)
}

// handleInvalidPayload handles a handler-reported ErrInvalidPayload: the
// message parsed as a protocol frame but failed domain validation, which we
// treat as peer misbehavior rather than a bare protocol violation.
func (s *Server) handleInvalidPayload(peer *Peer, err error) {
	if peer == nil {
		return
	}
	now := s.now()
	if s.reputation != nil {
		s.reputation.PenalizeMalformed(peer.id, now, peer.persistent)
		status := s.reputation.MarkMisbehavior(peer.id, now)
		if s.metricsCollector != nil {
			s.metricsCollector.observePeerStatus(peer.id, status)
		}
	}
	s.incrementInvalidMetric(peer.id)
	peer.terminate(true, err)
}

func (s *Server) handleRateLimit(peer *Peer, global bool) {
	if peer == nil {
		return
	}
	now := s.now()
	reason := fmt.Errorf("peer %s exceeded rate limit", peer.id)
	if global {
		reason = fmt.Errorf("global rate limit exceeded")
	}
	if s.reputation != nil {
		status := s.reputation.PenalizeSpam(peer.id, now, peer.persistent)
		if s.metricsCollector != nil {
			s.metricsCollector.observePeerStatus(peer.id, status)
		}
	}
	peer.terminate(true, reason)
}

func (s *Server) allowIP(addr string, now time.Time) bool {
	if s.ipLimiter == nil {
		return true
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return s.ipLimiter.allow(host, now)
}

func (s *Server) allowGlobal(now time.Time) bool {
	if s.globalLimiter == nil {
		return true
	}
	return s.globalLimiter.allow(now)
}

func (s *Server) recordGossip(direction string, msgType byte) {
	if s.metricsCollector != nil {
		s.metricsCollector.recordGossip(direction, msgType)
	}
}

func (s *Server) touchPeer(id string) {
	now := s.now()
	s.mu.Lock()
	rec := s.records[id]
	if rec == nil {
		rec = &PeerRecord{}
		s.records[id] = rec
	}
	rec.LastSeen = now
	s.mu.Unlock()
}

func (s *Server) observeLatency(id string, d time.Duration) {
	if s.reputation == nil {
		return
	}
	status := s.reputation.ObserveLatency(id, d, s.now())
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
}

func (s *Server) adjustScore(id string, delta int) {
	if s.reputation == nil {
		return
	}
	s.mu.RLock()
	peer := s.peers[id]
	s.mu.RUnlock()
	persistent := peer != nil && peer.persistent
	status := s.reputation.Adjust(id, delta, s.now(), persistent)
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
}

func (s *Server) recordValidMessage(id string) {
	s.touchPeer(id)
	if s.reputation == nil {
		return
	}
	status := s.reputation.MarkUseful(id, s.now())
	if s.metricsCollector != nil {
		s.metricsCollector.observePeerStatus(id, status)
	}
}

func (s *Server) incrementInvalidMetric(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = make(map[string]*peerMetrics)
	}
	m := s.metrics[id]
	if m == nil {
		m = &peerMetrics{}
		s.metrics[id] = m
	}
	m.invalid++
}

func (s *Server) handlePexRequest(peer *Peer, payload PexRequestPayload) error {
	if !s.cfg.EnablePEX || s.pex == nil {
		return nil
	}
	return s.pex.handleRequest(peer, payload)
}

func (s *Server) handlePexAddresses(peer *Peer, payload PexAddressesPayload) {
	if !s.cfg.EnablePEX || s.pex == nil {
		return
	}
	s.pex.handleAddresses(peer, payload)
}
