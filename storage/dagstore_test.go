package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

func TestDAGStorePutGetRoundTrip(t *testing.T) {
	dag := NewDAGStore(NewMemDB())
	ctx := context.Background()

	payload := []byte("job result bytes")
	id, err := dag.Put(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, icntypes.NewCID(payload), id)

	got, found, err := dag.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, got)
}

func TestDAGStoreGetMissingReturnsNotFoundFalse(t *testing.T) {
	dag := NewDAGStore(NewMemDB())
	ctx := context.Background()

	_, found, err := dag.Get(ctx, icntypes.NewCID([]byte("never stored")))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDAGStorePutIsIdempotent(t *testing.T) {
	dag := NewDAGStore(NewMemDB())
	ctx := context.Background()

	payload := []byte("same bytes twice")
	id1, err := dag.Put(ctx, payload)
	require.NoError(t, err)
	id2, err := dag.Put(ctx, payload)
	require.NoError(t, err)
	require.True(t, id1.Equal(id2))
}

func TestDAGStorePersistsAcrossLevelDBReopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := NewLevelDB(dir)
	require.NoError(t, err)

	payload := []byte("persisted across reopen")
	dag1 := NewDAGStore(db1)
	id, err := dag1.Put(context.Background(), payload)
	require.NoError(t, err)
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	dag2 := NewDAGStore(db2)
	got, found, err := dag2.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, got)
}
