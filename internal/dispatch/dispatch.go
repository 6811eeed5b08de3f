// Package dispatch implements C5: the MessageDispatcher that sits between
// the transport layer and every per-UID state machine in internal/request.
package dispatch

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/nodestats"
	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/request"
	"github.com/007pig/fred-sub003/internal/uidreg"
	"github.com/007pig/fred-sub003/internal/wire"
)

// TrivialHandler processes one of the inline, non-UID message types (Ping,
// LinkPing, Time, Void, Disconnect, SwapRequest...). Kept as an injected
// function set rather than a fixed enum, so node wiring can add swap/probe
// traffic without touching this package.
type TrivialHandler func(from peer.Ref, msg any) bool

// Spawner hands a constructed handler off to the request executor; node
// wiring supplies a worker-pool-backed implementation (spec.md §5's
// "long-lived task on a worker pool").
type Spawner interface {
	SpawnRequest(h *request.RequestHandler, inbox request.Inbox)
	SpawnInsert(h *request.InsertHandler, inbox request.Inbox)
}

// Dispatcher implements spec.md §4.5's per-message decision tree.
type Dispatcher struct {
	uids    *uidreg.Registry
	stats   nodestats.NodeStats
	inboxes *request.Inboxes
	sender  request.Sender
	sel     *peer.Selector
	spawner Spawner
	trivial []TrivialHandler

	newRequestHandler func(uid wire.UID, key keys.Key, htl uint8, source peer.Ref) *request.RequestHandler
	newInsertHandler  func(uid wire.UID, block *keys.Block, htl uint8, source peer.Ref) *request.InsertHandler
}

func New(
	uids *uidreg.Registry,
	stats nodestats.NodeStats,
	inboxes *request.Inboxes,
	sender request.Sender,
	sel *peer.Selector,
	spawner Spawner,
	newRequestHandler func(uid wire.UID, key keys.Key, htl uint8, source peer.Ref) *request.RequestHandler,
	newInsertHandler func(uid wire.UID, block *keys.Block, htl uint8, source peer.Ref) *request.InsertHandler,
) *Dispatcher {
	return &Dispatcher{
		uids:              uids,
		stats:             stats,
		inboxes:           inboxes,
		sender:            sender,
		sel:               sel,
		spawner:           spawner,
		newRequestHandler: newRequestHandler,
		newInsertHandler:  newInsertHandler,
	}
}

// AddTrivialHandler registers an inline handler tried before any UID logic.
func (d *Dispatcher) AddTrivialHandler(h TrivialHandler) {
	d.trivial = append(d.trivial, h)
}

// DispatchDataRequest implements §4.5 steps 2a-2d for an inbound
// CHK/SSK/Insert request. Replies for UID that are already claimed by an
// in-flight RequestSender/InsertSender (i.e. not a fresh inbound request)
// must instead go through Deliver, not this path.
func (d *Dispatcher) DispatchDataRequest(from peer.Ref, uid wire.UID, key keys.Key, htl uint8, isInsert, isSSK bool, block *keys.Block) {
	kind := uidreg.KindRequest
	if isInsert {
		kind = uidreg.KindInsert
	}

	if d.uids.RecentlyCompleted(uid) {
		d.reply(from, uid, wire.RejectedLoop{UID: uid})
		return
	}
	if !d.uids.TryLock(uid, kind) {
		d.reply(from, uid, wire.RejectedLoop{UID: uid})
		return
	}
	if reason, reject := d.stats.ShouldRejectRequest(isInsert, isSSK); reject {
		log.Debug("dispatch: rejecting overload", "uid", uid, "reason", reason)
		d.reply(from, uid, wire.RejectedOverload{UID: uid, IsLocal: true})
		d.uids.Unlock(uid, kind, true)
		return
	}
	d.stats.RecordAccepted(isInsert, isSSK)

	inbox := d.inboxes.Register(uid)

	if isInsert {
		h := d.newInsertHandler(uid, block, htl, from)
		d.spawner.SpawnInsert(h, inbox)
		return
	}

	h := d.newRequestHandler(uid, key, htl, from)
	d.spawner.SpawnRequest(h, inbox)
}

// Deliver routes one inbound message that belongs to an already in-flight
// UID (a reply arriving at a RequestSender/InsertSender's inbox) to its
// waiting state machine. Returns false if no inbox is registered for uid.
func (d *Dispatcher) Deliver(uid wire.UID, msg any) bool {
	return d.inboxes.Deliver(uid, msg)
}

// DispatchTrivial implements §4.5 step 1: try every registered inline
// handler in order; the first one that claims the message stops the chain.
func (d *Dispatcher) DispatchTrivial(from peer.Ref, msg any) bool {
	for _, h := range d.trivial {
		if h(from, msg) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) reply(to peer.Ref, uid wire.UID, msg any) {
	if err := d.sender.Send(to, uid, msg); err != nil {
		log.Debug("dispatch: reply send failed", "uid", uid, "err", err)
	}
}
