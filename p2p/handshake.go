package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/InterCooperative-Network/icn-core/crypto"
)

const (
	handshakeProtocolVersion uint32        = 1
	handshakeNonceSize       int           = 16
	handshakeSkewAllowance   time.Duration = 5 * time.Minute
)

// errHandshakeFrameTooLarge is returned when a peer's handshake line exceeds
// the configured message size ceiling before a terminating newline arrives.
var errHandshakeFrameTooLarge = errors.New("p2p: handshake frame too large")

// handshakeMessage is the signed portion of a handshake: everything a peer
// asserts about itself, covered by Signature.
type handshakeMessage struct {
	ProtocolVersion uint32   `json:"protoVersion"`
	ChainID         uint64   `json:"chainId"`
	GenesisHash     string   `json:"genesisHash"`
	NodeID          string   `json:"nodeId"`
	PubKey          string   `json:"pubKey"`
	Nonce           string   `json:"nonce"`
	Timestamp       int64    `json:"ts"`
	ClientVersion   string   `json:"clientVersion"`
	ListenAddrs     []string `json:"listenAddrs"`
}

// handshakePacket is the wire envelope: the signed message plus its
// signature, and (once verified) the derived identity cached for callers.
type handshakePacket struct {
	handshakeMessage
	Signature string `json:"sig"`

	nodeID string
	pubKey *crypto.PublicKey
	addrs  []string
}

// buildHandshake assembles and signs this server's outgoing handshake.
func (s *Server) buildHandshake() (*handshakePacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	msg := handshakeMessage{
		ProtocolVersion: handshakeProtocolVersion,
		ChainID:         s.cfg.ChainID,
		GenesisHash:     encodeHex(s.genesis),
		NodeID:          s.nodeID,
		PubKey:          encodeHex(s.privKey.PubKey().Bytes()),
		Nonce:           encodeHex(nonce),
		Timestamp:       s.now().Unix(),
		ClientVersion:   s.cfg.ClientVersion,
		ListenAddrs:     sanitizeListenAddrs(s.ListenAddresses()),
	}

	sig := s.privKey.Sign(handshakeDigest(msg))
	packet := &handshakePacket{
		handshakeMessage: msg,
		Signature:        encodeHex(sig),
		nodeID:           s.nodeID,
		pubKey:           s.privKey.PubKey(),
		addrs:            msg.ListenAddrs,
	}
	return packet, nil
}

// verifyHandshake authenticates a remote packet: protocol and chain
// compatibility, signature validity, claimed-vs-derived identity agreement,
// timestamp freshness, and nonce replay protection. Any failure (other than
// an already-banned peer) is recorded as a handshake violation.
func (s *Server) verifyHandshake(packet *handshakePacket) error {
	if packet == nil {
		return fmt.Errorf("nil handshake packet")
	}

	claimedID := normalizeHex(packet.NodeID)
	fail := func(now time.Time, err error) error {
		if claimedID != "" {
			s.recordHandshakeViolation(claimedID, now)
		}
		return err
	}

	now := s.now()

	if packet.ProtocolVersion != handshakeProtocolVersion {
		return fail(now, fmt.Errorf("unsupported protocol version %d", packet.ProtocolVersion))
	}
	remoteGenesis, err := decodeHex(packet.GenesisHash)
	if err != nil {
		return fail(now, fmt.Errorf("invalid genesis hash encoding: %w", err))
	}
	if !bytes.Equal(remoteGenesis, s.genesis) {
		return fail(now, fmt.Errorf("genesis hash mismatch: remote %x local %x", remoteGenesis, s.genesis))
	}
	if packet.ChainID != s.cfg.ChainID {
		return fail(now, fmt.Errorf("chain ID mismatch: remote %d local %d", packet.ChainID, s.cfg.ChainID))
	}

	pubBytes, err := decodeHex(packet.PubKey)
	if err != nil {
		return fail(now, fmt.Errorf("invalid public key encoding: %w", err))
	}
	pubKey, err := crypto.PublicKeyFromBytes(pubBytes)
	if err != nil {
		return fail(now, fmt.Errorf("invalid public key: %w", err))
	}

	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		return fail(now, fmt.Errorf("invalid nonce encoding: %w", err))
	}
	if len(nonceBytes) != handshakeNonceSize {
		return fail(now, fmt.Errorf("invalid handshake nonce length: %d", len(nonceBytes)))
	}

	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		return fail(now, fmt.Errorf("invalid signature encoding: %w", err))
	}
	if !pubKey.Verify(handshakeDigest(packet.handshakeMessage), sigBytes) {
		return fail(now, fmt.Errorf("recover signature: signature does not verify"))
	}

	derivedID := pubKey.Address().String()
	if !strings.EqualFold(derivedID, claimedID) && derivedID != packet.NodeID {
		return fail(now, fmt.Errorf("node id mismatch: claimed %s derived %s", packet.NodeID, derivedID))
	}

	ts := time.Unix(packet.Timestamp, 0)
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fail(now, fmt.Errorf("handshake timestamp skew too large"))
	}

	if s.isBanned(derivedID) {
		return fmt.Errorf("peer %s is currently banned", derivedID)
	}

	if !s.nonceGuard.Remember(derivedID, packet.Nonce, now) {
		return fail(now, fmt.Errorf("handshake nonce replay detected"))
	}

	packet.nodeID = derivedID
	packet.pubKey = pubKey
	packet.addrs = sanitizeListenAddrs(packet.ListenAddrs)
	return nil
}

// recordHandshakeViolation bans nodeID (via reputation and, if attached, the
// persistent peerstore) in response to a failed handshake.
func (s *Server) recordHandshakeViolation(nodeID string, now time.Time) {
	if nodeID == "" {
		return
	}
	until := now.Add(s.banDuration())
	if s.reputation != nil {
		s.reputation.SetBan(nodeID, until, now)
	}
	if s.peerstore != nil {
		_, _ = s.peerstore.RecordViolation(nodeID, now, until)
	}
}

// performHandshake exchanges handshake packets over conn: it writes this
// server's packet, reads and verifies the remote's, all within conn's
// deadline (taken from ctx, falling back to the server's configured
// handshake timeout).
func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*handshakePacket, error) {
	local, err := s.buildHandshake()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = s.now().Add(s.handshakeTimeout())
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	body, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake: %w", err)
	}
	if _, err := conn.Write(append(body, '\n')); err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	maxBytes := s.cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	line, err := readHandshakeFrame(reader, maxBytes)
	if err != nil {
		if errors.Is(err, errHandshakeFrameTooLarge) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, fmt.Errorf("read handshake: %w", err)
	}

	var remote handshakePacket
	if err := json.Unmarshal(line, &remote); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if err := s.verifyHandshake(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

// readHandshakeFrame reads a newline-terminated handshake frame one byte at
// a time so it can bail out the moment the peer exceeds maxBytes, rather
// than buffering an unbounded line looking for a newline that may never
// come.
func readHandshakeFrame(r *bufio.Reader, maxBytes int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '\n' {
			return bytes.TrimSpace(buf.Bytes()), nil
		}
		buf.WriteByte(b)
		if buf.Len() > maxBytes {
			return nil, errHandshakeFrameTooLarge
		}
	}
}

// handshakeDigest computes the signed digest over a handshake message's
// canonical, pipe-joined field representation.
func handshakeDigest(msg handshakeMessage) []byte {
	fields := []string{
		strconv.FormatUint(uint64(msg.ProtocolVersion), 10),
		strconv.FormatUint(msg.ChainID, 10),
		msg.GenesisHash,
		msg.NodeID,
		msg.PubKey,
		msg.Nonce,
		strconv.FormatInt(msg.Timestamp, 10),
		msg.ClientVersion,
		strings.Join(msg.ListenAddrs, ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return sum[:]
}

// sanitizeListenAddrs trims, drops empty, and deduplicates a listen address
// list while preserving order.
func sanitizeListenAddrs(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	for strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}
