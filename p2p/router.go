package p2p

import (
	"context"
	"fmt"
	"sync"
)

// topicTransport is the minimal publish/subscribe capability Router needs
// from its underlying gossip substrate. *GossipNetwork satisfies it; tests
// can substitute a lighter double.
type topicTransport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error)
}

// Router is the network envelope dispatcher of spec §4.6: it encodes typed
// payloads into canonical Envelope bytes for Publish, and on the receiving
// side decodes an Envelope and dispatches to the matching typed handler via
// a Go type switch — the only place in the system a message's kind is
// inspected. No handler downstream of Dispatch ever routes on a string
// topic name again.
type Router struct {
	transport topicTransport

	mu             sync.RWMutex
	onAnnouncement func(MeshJobAnnouncement)
	onBid          func(BidSubmission)
	onAssignment   func(JobAssignmentNotification)
	onReceipt      func(SubmitReceipt)
	onGossipSub    func(GossipSubPayload)
}

// NewRouter builds a Router publishing and subscribing over transport.
func NewRouter(transport topicTransport) *Router {
	return &Router{transport: transport}
}

// OnMeshJobAnnouncement registers the handler invoked for a decoded
// MeshJobAnnouncement. Replaces any previously registered handler.
func (r *Router) OnMeshJobAnnouncement(fn func(MeshJobAnnouncement)) {
	r.mu.Lock()
	r.onAnnouncement = fn
	r.mu.Unlock()
}

// OnBidSubmission registers the handler invoked for a decoded BidSubmission.
func (r *Router) OnBidSubmission(fn func(BidSubmission)) {
	r.mu.Lock()
	r.onBid = fn
	r.mu.Unlock()
}

// OnJobAssignmentNotification registers the handler invoked for a decoded
// JobAssignmentNotification.
func (r *Router) OnJobAssignmentNotification(fn func(JobAssignmentNotification)) {
	r.mu.Lock()
	r.onAssignment = fn
	r.mu.Unlock()
}

// OnSubmitReceipt registers the handler invoked for a decoded SubmitReceipt.
func (r *Router) OnSubmitReceipt(fn func(SubmitReceipt)) {
	r.mu.Lock()
	r.onReceipt = fn
	r.mu.Unlock()
}

// OnGossipSub registers the handler invoked for a decoded generic
// GossipSubPayload (e.g. governance CRDT merge traffic, which has no
// dedicated envelope variant of its own).
func (r *Router) OnGossipSub(fn func(GossipSubPayload)) {
	r.mu.Lock()
	r.onGossipSub = fn
	r.mu.Unlock()
}

// Publish encodes payload as a canonical Envelope and publishes it to topic.
func (r *Router) Publish(ctx context.Context, topic string, payload EnvelopePayload) error {
	data, err := EncodeEnvelope(payload)
	if err != nil {
		return fmt.Errorf("p2p: router publish: %w", err)
	}
	return r.transport.Publish(ctx, topic, data)
}

// Subscribe registers this Router to decode and Dispatch every message
// published to topic. The returned func unsubscribes.
func (r *Router) Subscribe(ctx context.Context, topic string) (func(), error) {
	return r.transport.Subscribe(ctx, topic, func(raw []byte) {
		r.Dispatch(raw)
	})
}

// Dispatch decodes raw as an Envelope and routes it to the registered
// handler for its concrete payload type via a type switch. A decode failure
// or a payload type the switch does not cover is returned as an error
// (Subscribe discards it); an envelope of a known type with no registered
// handler is dropped silently and returns nil.
func (r *Router) Dispatch(raw []byte) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("p2p: router dispatch: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	switch v := env.Payload.(type) {
	case MeshJobAnnouncement:
		if r.onAnnouncement != nil {
			r.onAnnouncement(v)
		}
	case BidSubmission:
		if r.onBid != nil {
			r.onBid(v)
		}
	case JobAssignmentNotification:
		if r.onAssignment != nil {
			r.onAssignment(v)
		}
	case SubmitReceipt:
		if r.onReceipt != nil {
			r.onReceipt(v)
		}
	case GossipSubPayload:
		if r.onGossipSub != nil {
			r.onGossipSub(v)
		}
	default:
		return fmt.Errorf("p2p: router dispatch: unhandled envelope payload type %T", v)
	}
	return nil
}
