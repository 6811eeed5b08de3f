package dispatch

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub003/internal/cryptoverify"
	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/nodestats"
	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/request"
	"github.com/007pig/fred-sub003/internal/uidreg"
	"github.com/007pig/fred-sub003/internal/wire"
)

type fakeSender struct {
	sent []wire.UID
}

func (f *fakeSender) Send(_ peer.Ref, uid wire.UID, _ any) error {
	f.sent = append(f.sent, uid)
	return nil
}

type fakeStats struct {
	reject bool
	reason nodestats.Reason
}

func (f *fakeStats) ShouldRejectRequest(isInsert, isSSK bool) (nodestats.Reason, bool) {
	return f.reason, f.reject
}
func (f *fakeStats) RecordAccepted(isInsert, isSSK bool) {}
func (f *fakeStats) AveragePingMillis() float64          { return 0 }

type fakeSpawner struct {
	spawnedRequest bool
	spawnedInsert  bool
}

func (f *fakeSpawner) SpawnRequest(h *request.RequestHandler, inbox request.Inbox) { f.spawnedRequest = true }
func (f *fakeSpawner) SpawnInsert(h *request.InsertHandler, inbox request.Inbox)   { f.spawnedInsert = true }

func newTestDispatcher(stats nodestats.NodeStats, sender *fakeSender, spawner *fakeSpawner) *Dispatcher {
	uids := uidreg.New(10 * time.Minute)
	inboxes := request.NewInboxes()
	sel := peer.NewSelector(peer.NewRegistry())

	newReq := func(uid wire.UID, key keys.Key, htl uint8, source peer.Ref) *request.RequestHandler {
		return request.NewRequestHandler(request.DefaultConfig(), uid, key, htl, source, nil, nil, sender, sel, nil, cryptoverify.ECDSAVerifier{})
	}
	newIns := func(uid wire.UID, block *keys.Block, htl uint8, source peer.Ref) *request.InsertHandler {
		return request.NewInsertHandler(request.DefaultConfig(), uid, block, htl, source, nil, sender, sel)
	}
	return New(uids, stats, inboxes, sender, sel, spawner, newReq, newIns)
}

func TestDispatchDataRequestSpawnsRequestHandler(t *testing.T) {
	sender := &fakeSender{}
	spawner := &fakeSpawner{}
	d := newTestDispatcher(&fakeStats{}, sender, spawner)

	key := keys.CHK(testHash(1))
	d.DispatchDataRequest(peer.Ref(1), 42, key, 10, false, false, nil)

	require.True(t, spawner.spawnedRequest)
	require.False(t, spawner.spawnedInsert)
}

func TestDispatchDataRequestSpawnsInsertHandler(t *testing.T) {
	sender := &fakeSender{}
	spawner := &fakeSpawner{}
	d := newTestDispatcher(&fakeStats{}, sender, spawner)

	key := keys.CHK(testHash(1))
	blk := &keys.Block{Key: key}
	d.DispatchDataRequest(peer.Ref(1), 42, key, 10, true, false, blk)

	require.True(t, spawner.spawnedInsert)
	require.False(t, spawner.spawnedRequest)
}

func TestDispatchDataRequestRejectsLoopOnDuplicateUID(t *testing.T) {
	sender := &fakeSender{}
	spawner := &fakeSpawner{}
	d := newTestDispatcher(&fakeStats{}, sender, spawner)

	key := keys.CHK(testHash(1))
	d.DispatchDataRequest(peer.Ref(1), 7, key, 10, false, false, nil)
	require.True(t, spawner.spawnedRequest)

	spawner.spawnedRequest = false
	d.DispatchDataRequest(peer.Ref(2), 7, key, 10, false, false, nil)
	require.False(t, spawner.spawnedRequest, "a second handler must never be spawned for an already in-flight UID")
	require.Len(t, sender.sent, 1)
}

func TestDispatchDataRequestRejectsOverload(t *testing.T) {
	sender := &fakeSender{}
	spawner := &fakeSpawner{}
	d := newTestDispatcher(&fakeStats{reject: true, reason: nodestats.ReasonBandwidth}, sender, spawner)

	key := keys.CHK(testHash(1))
	d.DispatchDataRequest(peer.Ref(1), 9, key, 10, false, false, nil)

	require.False(t, spawner.spawnedRequest)
	require.Equal(t, []wire.UID{9}, sender.sent)

	// the UID must be unlocked again so a retry isn't treated as a loop
	d.DispatchDataRequest(peer.Ref(1), 9, key, 10, false, false, nil)
	require.Equal(t, []wire.UID{9, 9}, sender.sent)
}

func TestDispatchTrivialTriesHandlersInOrder(t *testing.T) {
	sender := &fakeSender{}
	spawner := &fakeSpawner{}
	d := newTestDispatcher(&fakeStats{}, sender, spawner)

	var calledFirst, calledSecond bool
	d.AddTrivialHandler(func(from peer.Ref, msg any) bool {
		calledFirst = true
		return false
	})
	d.AddTrivialHandler(func(from peer.Ref, msg any) bool {
		calledSecond = true
		return true
	})

	claimed := d.DispatchTrivial(peer.Ref(1), wire.OpennetNoderef{})
	require.True(t, claimed)
	require.True(t, calledFirst)
	require.True(t, calledSecond)
}

func TestDispatchTrivialReturnsFalseWhenUnclaimed(t *testing.T) {
	sender := &fakeSender{}
	spawner := &fakeSpawner{}
	d := newTestDispatcher(&fakeStats{}, sender, spawner)

	require.False(t, d.DispatchTrivial(peer.Ref(1), wire.OpennetNoderef{}))
}

func testHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}
