package failuretable

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/peer"
)

func testKey(b byte) keys.Key {
	var h chainhash.Hash
	h[0] = b
	return keys.CHK(h)
}

func TestRefreshNeverExtendsExpiry(t *testing.T) {
	ft := New()
	k := testKey(1)
	p := peer.Ref(1)

	ft.OnFinalFailure(k, &p, 300*time.Second, nil)
	remaining1, ok := ft.RecentlyFailed(k)
	require.True(t, ok)

	// A later refresh with a longer time-left must not extend expiry.
	ft.OnFinalFailure(k, &p, 10*time.Minute, nil)
	remaining2, ok := ft.RecentlyFailed(k)
	require.True(t, ok)
	require.LessOrEqual(t, remaining2, remaining1+time.Second)

	// A later refresh with a shorter time-left may shrink it further.
	ft.OnFinalFailure(k, &p, 1*time.Second, nil)
	remaining3, ok := ft.RecentlyFailed(k)
	require.True(t, ok)
	require.LessOrEqual(t, remaining3, 2*time.Second)
}

func TestRecentlyFailedExpires(t *testing.T) {
	ft := New()
	k := testKey(2)
	ft.OnFinalFailure(k, nil, 1*time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)
	_, ok := ft.RecentlyFailed(k)
	require.False(t, ok)
}

func TestOfferCursorLiveBeforeExpired(t *testing.T) {
	ft := New()
	k := testKey(3)
	ft.OnOfferReceived(k, peer.Ref(1), 1, -1*time.Second) // already expired
	ft.OnOfferReceived(k, peer.Ref(2), 2, 1*time.Hour)    // live

	cur := ft.GetOffers(k)
	first, ok := cur.Next()
	require.True(t, ok)
	require.Equal(t, peer.Ref(2), first.Peer, "live offers must be yielded before expired ones")

	second, ok := cur.Next()
	require.True(t, ok)
	require.Equal(t, peer.Ref(1), second.Peer)

	_, ok = cur.Next()
	require.False(t, ok)
}

func TestDeleteLastOfferRemovesIt(t *testing.T) {
	ft := New()
	k := testKey(4)
	ft.OnOfferReceived(k, peer.Ref(7), 1, time.Hour)

	cur := ft.GetOffers(k)
	_, ok := cur.Next()
	require.True(t, ok)
	cur.DeleteLastOffer(ft, k)

	cur2 := ft.GetOffers(k)
	_, ok = cur2.Next()
	require.False(t, ok)
}
