package p2p

import (
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/observability/logging"
)

// pexAddressTTL bounds how stale a peer-exchange record can be before it is
// dropped from a handleRequest sample.
const pexAddressTTL = 30 * time.Minute

// pexAnsweredTokenTTL bounds how long an answered request token is
// remembered for echo suppression.
const pexAnsweredTokenTTL = 10 * time.Minute

type seedEndpoint struct {
	NodeID  string
	Address string
}

// parseSeedList parses "nodeID@host:port" seed entries, logging (with the
// node ID redacted) and skipping anything malformed.
func parseSeedList(values []string, logger *slog.Logger) []seedEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	seeds := make([]seedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		nodePart, addrPart, found := strings.Cut(trimmed, "@")
		if !found {
			logger.Warn("ignoring seed entry: missing node ID", logging.MaskField("seed", trimmed))
			continue
		}
		node := strings.ToLower(strings.TrimSpace(nodePart))
		if node == "" {
			logger.Warn("ignoring seed entry: empty node ID", logging.MaskField("seed", trimmed))
			continue
		}
		if _, _, err := net.SplitHostPort(strings.TrimSpace(addrPart)); err != nil {
			logger.Warn("ignoring seed entry: invalid address", logging.MaskField("seed", trimmed), slog.String("error", err.Error()))
			continue
		}
		key := node + "@" + strings.TrimSpace(addrPart)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		seeds = append(seeds, seedEndpoint{NodeID: node, Address: strings.TrimSpace(addrPart)})
	}
	return seeds
}

// pexPeer is the minimal surface pexManager needs from a connected peer:
// enough to identify it and to queue a reply. *Peer satisfies this.
type pexPeer interface {
	ID() string
	Enqueue(msg *Message) error
}

type pexEntry struct {
	Addr     string
	LastSeen time.Time
}

// pexManager implements the peer-exchange gossip extension: it remembers
// addresses peers have announced and answers sample requests from others,
// while refusing to re-ingest its own answers looped back by a misbehaving
// or confused peer.
type pexManager struct {
	server *Server

	mu             sync.Mutex
	book           map[string]pexEntry
	answeredTokens map[string]time.Time
}

func newPexManager(server *Server) *pexManager {
	return &pexManager{
		server:         server,
		book:           make(map[string]pexEntry),
		answeredTokens: make(map[string]time.Time),
	}
}

func (m *pexManager) now() time.Time {
	if m.server != nil && m.server.now != nil {
		return m.server.now()
	}
	return time.Now()
}

func (m *pexManager) selfID() string {
	if m.server == nil {
		return ""
	}
	return m.server.nodeID
}

// recordPeer remembers (or refreshes) an address for nodeID, keeping the
// most recently seen entry.
func (m *pexManager) recordPeer(nodeID, addr string, lastSeen time.Time) {
	if m == nil || nodeID == "" || addr == "" {
		return
	}
	if nodeID == m.selfID() {
		return
	}
	m.mu.Lock()
	if existing, ok := m.book[nodeID]; ok && existing.LastSeen.After(lastSeen) {
		m.mu.Unlock()
		return
	}
	m.book[nodeID] = pexEntry{Addr: addr, LastSeen: lastSeen}
	m.mu.Unlock()

	if m.server != nil && m.server.peerstore != nil {
		_ = m.server.peerstore.Put(PeerstoreEntry{NodeID: nodeID, Addr: addr, LastSeen: lastSeen})
	}
}

// lookupAddr returns the last known address for a node, if any.
func (m *pexManager) lookupAddr(nodeID string) string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.book[nodeID]
	if !ok {
		return ""
	}
	return entry.Addr
}

// handleRequest answers a peer's sample request with fresh, deduplicated
// addresses, excluding the requester itself and this node.
func (m *pexManager) handleRequest(peer pexPeer, payload PexRequestPayload) error {
	now := m.now()
	limit := payload.Limit
	if limit <= 0 || limit > 64 {
		limit = 32
	}

	var requesterID string
	if peer != nil {
		requesterID = peer.ID()
	}

	m.mu.Lock()
	cutoff := now.Add(-pexAddressTTL)
	addrs := make([]PexAddress, 0, len(m.book))
	for nodeID, entry := range m.book {
		if entry.LastSeen.Before(cutoff) {
			continue
		}
		if nodeID == m.selfID() || nodeID == requesterID {
			continue
		}
		addrs = append(addrs, PexAddress{NodeID: nodeID, Addr: entry.Addr, LastSeen: entry.LastSeen})
	}
	if payload.Token != "" {
		m.answeredTokens[payload.Token] = now
	}
	m.pruneAnsweredTokensLocked(now)
	m.mu.Unlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].NodeID < addrs[j].NodeID })
	if len(addrs) > limit {
		addrs = addrs[:limit]
	}

	if peer == nil {
		return nil
	}
	msg, err := NewPexAddressesMessage(payload.Token, addrs)
	if err != nil {
		return err
	}
	return peer.Enqueue(msg)
}

// handleAddresses ingests a peer-exchange reply, dropping any batch whose
// token matches one we ourselves already used to answer a request -- that
// pattern only arises when a peer reflects our own response back at us.
func (m *pexManager) handleAddresses(peer pexPeer, payload PexAddressesPayload) {
	now := m.now()
	m.mu.Lock()
	if payload.Token != "" {
		if _, answered := m.answeredTokens[payload.Token]; answered {
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	for _, addr := range payload.Addresses {
		if addr.NodeID == "" || addr.Addr == "" {
			continue
		}
		lastSeen := addr.LastSeen
		if lastSeen.IsZero() {
			lastSeen = now
		}
		m.recordPeer(addr.NodeID, addr.Addr, lastSeen)
	}
}

func (m *pexManager) pruneAnsweredTokensLocked(now time.Time) {
	cutoff := now.Add(-pexAnsweredTokenTTL)
	for token, seen := range m.answeredTokens {
		if seen.Before(cutoff) {
			delete(m.answeredTokens, token)
		}
	}
}
