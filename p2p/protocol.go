package p2p

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types for the gossip substrate. Handshake, keepalive, and peer
// exchange are control traffic dispatched by Peer.handleControlMessage;
// everything else (MsgTypeTx and above) is delivered to Server.handler.
const (
	MsgTypeHandshake    byte = 0x01
	MsgTypeHandshakeAck byte = 0x02
	MsgTypePing         byte = 0x03
	MsgTypePong         byte = 0x04
	MsgTypePexRequest   byte = 0x05
	MsgTypePexAddresses byte = 0x06

	// MsgTypeTx is the generic opaque application payload used by callers
	// that don't need a dedicated message type of their own.
	MsgTypeTx byte = 0x10

	// MsgTypeGossipSub carries a topic-addressed broadcast for the
	// icntypes.NetworkService adapter (see gossip.go).
	MsgTypeGossipSub byte = 0x20
)

// PingPayload is the body of a keepalive ping.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

// PongPayload echoes a PingPayload's nonce back to the sender.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

// NewPingMessage builds a keepalive ping carrying nonce and the send time.
func NewPingMessage(nonce uint64, t time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: t.UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("marshal ping payload: %w", err)
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

// NewPongMessage builds the reply to a ping, echoing its nonce.
func NewPongMessage(nonce uint64, t time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: t.UnixNano()})
	if err != nil {
		return nil, fmt.Errorf("marshal pong payload: %w", err)
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}

// PexRequestPayload asks a peer for a sample of addresses it knows about.
// Token correlates the eventual PexAddressesPayload reply and guards
// against a misbehaving peer replaying our own answer back at us.
type PexRequestPayload struct {
	Limit int    `json:"limit"`
	Token string `json:"token"`
}

// PexAddress is a single peer address record exchanged during peer
// exchange.
type PexAddress struct {
	NodeID   string    `json:"nodeId"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"lastSeen"`
}

// PexAddressesPayload carries a batch of addresses in reply to a
// PexRequestPayload.
type PexAddressesPayload struct {
	Token     string       `json:"token"`
	Addresses []PexAddress `json:"addresses"`
}

// NewPexRequestMessage builds a peer-exchange sample request.
func NewPexRequestMessage(limit int, token string) (*Message, error) {
	payload, err := json.Marshal(PexRequestPayload{Limit: limit, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshal pex request payload: %w", err)
	}
	return &Message{Type: MsgTypePexRequest, Payload: payload}, nil
}

// NewPexAddressesMessage builds a peer-exchange reply.
func NewPexAddressesMessage(token string, addrs []PexAddress) (*Message, error) {
	payload, err := json.Marshal(PexAddressesPayload{Token: token, Addresses: addrs})
	if err != nil {
		return nil, fmt.Errorf("marshal pex addresses payload: %w", err)
	}
	return &Message{Type: MsgTypePexAddresses, Payload: payload}, nil
}

// GossipSubPayload wraps a topic-addressed broadcast used by the
// icntypes.NetworkService adapter (mesh job announcements, governance
// proposal gossip, and similar).
type GossipSubPayload struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// NewGossipSubMessage builds a topic broadcast envelope.
func NewGossipSubMessage(topic string, payload []byte) (*Message, error) {
	data, err := json.Marshal(GossipSubPayload{Topic: topic, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal gossip payload: %w", err)
	}
	return &Message{Type: MsgTypeGossipSub, Payload: data}, nil
}
