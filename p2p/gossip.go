package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// GossipNetwork adapts a Server's broadcast transport to the
// icntypes.NetworkService capability the mesh pipeline and governance
// modules publish and subscribe through. It is installed as a Server's
// MessageHandler and dispatches MsgTypeGossipSub envelopes to whichever
// topic handlers are currently subscribed.
type GossipNetwork struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string][]func(payload []byte)
}

// NewGossipNetwork builds an unattached gossip adapter. Call Attach once
// the Server exists so Publish can reach the transport.
func NewGossipNetwork() *GossipNetwork {
	return &GossipNetwork{handlers: make(map[string][]func(payload []byte))}
}

// Attach binds the adapter to the server whose peers it will broadcast to.
func (g *GossipNetwork) Attach(server *Server) {
	g.server = server
}

// HandleMessage implements MessageHandler. Non-gossip message types are
// ignored so the same handler can sit alongside protocol-level dispatch.
func (g *GossipNetwork) HandleMessage(msg *Message) error {
	if msg == nil || msg.Type != MsgTypeGossipSub {
		return nil
	}
	var payload GossipSubPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("%w: malformed gossip envelope", ErrInvalidPayload)
	}
	g.mu.RLock()
	subs := append([]func([]byte){}, g.handlers[payload.Topic]...)
	g.mu.RUnlock()
	for _, fn := range subs {
		if fn != nil {
			fn(payload.Payload)
		}
	}
	return nil
}

// Publish broadcasts payload to every connected peer under topic.
func (g *GossipNetwork) Publish(ctx context.Context, topic string, payload []byte) error {
	if g.server == nil {
		return fmt.Errorf("gossip network not attached to a server")
	}
	msg, err := NewGossipSubMessage(topic, payload)
	if err != nil {
		return err
	}
	return g.server.Broadcast(msg)
}

// Subscribe registers handler for topic, returning an unsubscribe func.
func (g *GossipNetwork) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	g.mu.Lock()
	list := g.handlers[topic]
	list = append(list, handler)
	idx := len(list) - 1
	g.handlers[topic] = list
	g.mu.Unlock()

	unsubscribe := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		list := g.handlers[topic]
		if idx >= 0 && idx < len(list) {
			list[idx] = nil
		}
	}
	return unsubscribe, nil
}
