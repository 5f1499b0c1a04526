package identity

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// Resolver implements icntypes.DidResolver against a Registry, wrapped in an
// LRU cache keyed by DID so repeated resolution during mesh/governance hot
// paths doesn't walk the registry's lock on every call.
type Resolver struct {
	registry *Registry
	cache    *lru.Cache[icntypes.DID, icntypes.VerificationKey]
}

// NewResolver wraps registry with an LRU cache of the given size.
func NewResolver(registry *Registry, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[icntypes.DID, icntypes.VerificationKey](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity: construct resolver cache: %w", err)
	}
	return &Resolver{registry: registry, cache: cache}, nil
}

// Resolve returns did's current active verification key. It is
// side-effect-free from the caller's perspective: a cache hit never touches
// the registry, and a miss only reads it.
func (r *Resolver) Resolve(_ context.Context, did icntypes.DID) (icntypes.VerificationKey, error) {
	if key, ok := r.cache.Get(did); ok {
		return key, nil
	}
	doc, ok := r.registry.Get(did)
	if !ok {
		return nil, fmt.Errorf("identity: resolve %s: %w", did, icntypes.ErrNotFound)
	}
	key, err := doc.ActiveKey()
	if err != nil {
		return nil, err
	}
	r.cache.Add(did, key)
	return key, nil
}

// Invalidate drops did from the cache, used after key rotation or
// revocation so stale keys aren't served from cache.
func (r *Resolver) Invalidate(did icntypes.DID) {
	r.cache.Remove(did)
}

var _ icntypes.DidResolver = (*Resolver)(nil)
