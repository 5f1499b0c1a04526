package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// dagKeyPrefix namespaces content-addressed entries within a Database shared
// with other key spaces (e.g. peer/reputation records written by other
// packages against the same backing store).
var dagKeyPrefix = []byte("dag/")

// DAGStore implements icntypes.DAGStore over a Database: Put hashes payload
// into a CID and writes it keyed by that CID, Get looks the bytes back up.
// Content-addressing makes Put idempotent — storing identical bytes twice
// after the first call is a cheap Get-then-skip.
type DAGStore struct {
	db Database
}

// NewDAGStore wraps db as a content-addressed store.
func NewDAGStore(db Database) *DAGStore {
	return &DAGStore{db: db}
}

// Put computes payload's CID, persists it if not already stored, and
// returns the CID.
func (s *DAGStore) Put(ctx context.Context, payload []byte) (icntypes.CID, error) {
	id := icntypes.NewCID(payload)
	if _, found, err := s.Get(ctx, id); err != nil {
		return icntypes.CID{}, err
	} else if found {
		return id, nil
	}
	if err := s.db.Put(dagKey(id), payload); err != nil {
		return icntypes.CID{}, fmt.Errorf("dagstore: put %s: %w", id, err)
	}
	return id, nil
}

// Get retrieves the bytes addressed by id, reporting false (with a nil
// error) when nothing is stored under it.
func (s *DAGStore) Get(ctx context.Context, id icntypes.CID) ([]byte, bool, error) {
	value, err := s.db.Get(dagKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dagstore: get %s: %w", id, err)
	}
	return value, true, nil
}

func dagKey(id icntypes.CID) []byte {
	return append(append([]byte{}, dagKeyPrefix...), id.Bytes()...)
}

var _ icntypes.DAGStore = (*DAGStore)(nil)
