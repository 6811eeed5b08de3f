package store

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub003/internal/keys"
)

func testBlock(b byte) *keys.Block {
	var h chainhash.Hash
	h[0] = b
	return &keys.Block{
		Key:     keys.CHK(h),
		Headers: []byte("hdr"),
		Payload: []byte("the quick brown fox jumps over the lazy dog, repeated, repeated, repeated"),
	}
}

func TestShallowStoreRoundTrip(t *testing.T) {
	s := NewShallowStore(1 << 20)
	blk := testBlock(1)
	require.NoError(t, s.Put(blk))

	got, ok, err := s.Get(blk.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blk.Headers, got.Headers)
	require.Equal(t, blk.Payload, got.Payload)
}

func TestShallowStoreMiss(t *testing.T) {
	s := NewShallowStore(1 << 20)
	_, ok, err := s.Get(testBlock(2).Key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeepStoreRoundTrip(t *testing.T) {
	ds, err := NewDeepStore(t.TempDir())
	require.NoError(t, err)
	defer ds.Close()

	blk := testBlock(3)
	require.NoError(t, ds.Put(blk))

	got, ok, err := ds.Get(blk.Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blk.Payload, got.Payload)

	keysList, err := ds.Keys(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, keysList)
}
