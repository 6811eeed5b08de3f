package request

import (
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/007pig/fred-sub003/internal/cryptoverify"
	"github.com/007pig/fred-sub003/internal/failuretable"
	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/store"
	"github.com/007pig/fred-sub003/internal/wire"
)

// RequestSender is C6: the per-request outbound state machine of
// spec.md §4.6, covering both CHK and SSK fetches.
type RequestSender struct {
	cfg Config

	uid     wire.UID
	key     keys.Key
	htl     uint8
	source  *peer.Ref // upstream requestor, nil if we are the originator
	inbox   Inbox
	visited map[peer.Ref]bool

	tryOffersOnly bool
	hasForwarded  bool
	overloadSent  bool

	sender  Sender
	sel     *peer.Selector
	ft      *failuretable.FailureTable
	shallow *store.ShallowStore
	verify  cryptoverify.SSKVerifier

	// SSK accumulation state
	pubKey  []byte
	sskData []byte
	sskHdr  []byte

	Status Status
	Err    error
}

// SetTryOffersOnly restricts this sender to Phase A: no peer in the routing
// loop is ever contacted. Used when a request arrives already bearing an
// offered-key hint that the caller wants honored without falling back to
// ordinary routing.
func (rs *RequestSender) SetTryOffersOnly(v bool) {
	rs.tryOffersOnly = v
}

// NewRequestSender constructs a sender for one inbound or locally-originated
// fetch. source is nil when this node originated the request itself.
func NewRequestSender(cfg Config, uid wire.UID, key keys.Key, htl uint8, source *peer.Ref, inbox Inbox, sender Sender, sel *peer.Selector, ft *failuretable.FailureTable, shallow *store.ShallowStore, verify cryptoverify.SSKVerifier) *RequestSender {
	return &RequestSender{
		cfg:     cfg,
		uid:     uid,
		key:     key,
		htl:     htl,
		source:  source,
		inbox:   inbox,
		visited: make(map[peer.Ref]bool),
		sender:  sender,
		sel:     sel,
		ft:      ft,
		shallow: shallow,
		verify:  verify,
	}
}

// finish records the terminal status exactly once and returns it, per
// spec.md's invariant that a terminal Status is reported before UID unlock.
func (rs *RequestSender) finish(s Status) Status {
	rs.Status = s
	return s
}

// Run drives the whole state machine to completion. Callers are expected to
// have already registered rs.inbox with the dispatcher's Inboxes under uid,
// and to unregister/unlock on return.
func (rs *RequestSender) Run() Status {
	if s, done := rs.phaseA(); done {
		return s
	}
	if rs.tryOffersOnly {
		return rs.finish(DataNotFound)
	}
	return rs.phaseB()
}

// phaseA implements §4.6 Phase A: the offered-key sweep.
func (rs *RequestSender) phaseA() (Status, bool) {
	cursor := rs.ft.GetOffers(rs.key)
	for {
		offer, ok := cursor.Next()
		if !ok {
			break
		}
		p, alive := rs.sel.Registry().Get(offer.Peer)
		if !alive || p.BootID() != offer.BootID {
			cursor.DeleteLastOffer(rs.ft, rs.key)
			continue
		}

		authenticator := offer.Authenticator
		if err := rs.sender.Send(offer.Peer, rs.uid, wire.GetOfferedKey{
			UID:           rs.uid,
			Key:           rs.key,
			Authenticator: authenticator[:],
			NeedPubKey:    rs.key.Kind == keys.KindSSK && rs.pubKey == nil,
		}); err != nil {
			cursor.DeleteLastOffer(rs.ft, rs.key)
			continue
		}

		msg, timedOut := rs.waitFor(rs.cfg.GetOfferTimeout)
		if timedOut {
			cursor.DeleteLastOffer(rs.ft, rs.key)
			continue
		}
		switch m := msg.(type) {
		case wire.RejectedOverload:
			cursor.KeepLastOffer()
			continue
		case wire.GetOfferedKeyInvalid:
			cursor.DeleteLastOffer(rs.ft, rs.key)
			continue
		case wire.CHKDataFound:
			s := rs.phaseTransferCHK(offer.Peer, m.Headers, m.Payload)
			if s == Success {
				return s, true
			}
			if s == VerifyFailure {
				return rs.finish(GetOfferVerifyFailure), true
			}
			return rs.finish(GetOfferTransferFailed), true
		case wire.SSKDataFound:
			s := rs.phaseFinalizeSSK(m.Headers, m.Data)
			if s == Success {
				return s, true
			}
			return rs.finish(GetOfferVerifyFailure), true
		default:
			cursor.DeleteLastOffer(rs.ft, rs.key)
			continue
		}
	}
	return NotFinished, false
}

// phaseB implements §4.6 Phase B: the routing loop.
func (rs *RequestSender) phaseB() Status {
	for {
		atOrigin := !rs.hasForwarded
		rs.htl = rs.cfg.DecrementHTL(rs.htl, atOrigin)
		if rs.htl == 0 {
			rs.recordFinalFailure(nil)
			return rs.finish(DataNotFound)
		}

		var sourceRef peer.Ref
		if rs.source != nil {
			sourceRef = *rs.source
		}
		next, _ := rs.sel.ClosestPeer(sourceRef, rs.visited, nil, rs.key.ToLocation(), peer.DefaultOptions())
		if next == nil {
			rs.recordFinalFailure(nil)
			return rs.finish(RouteNotFound)
		}

		rs.visited[next.ID()] = true
		if err := rs.sendDataRequest(next.ID()); err != nil {
			log.Debug("request: send failed, trying next peer", "uid", rs.uid, "err", err)
			continue
		}
		rs.hasForwarded = true

		if !rs.waitForAccepted(next.ID()) {
			continue // backoff already recorded, loop back to (1)
		}

		s, retry := rs.waitForTerminal(next)
		if retry {
			continue
		}
		return s
	}
}

// sendDataRequest sends the blocking, synchronous CHK/SSK request per
// spec.md §5's rationale: async send risks the Accepted deadline being
// measured from a queue instead of the wire.
func (rs *RequestSender) sendDataRequest(to peer.Ref) error {
	if rs.key.Kind == keys.KindCHK {
		return rs.sender.Send(to, rs.uid, wire.CHKDataRequest{UID: rs.uid, HTL: rs.htl, Key: rs.key})
	}
	return rs.sender.Send(to, rs.uid, wire.SSKDataRequest{UID: rs.uid, HTL: rs.htl, Key: rs.key, NeedPubKey: rs.pubKey == nil})
}

// waitForAccepted implements §4.6 step B.5. Returns true to proceed to the
// terminal wait, false to retry the routing loop against a new peer.
func (rs *RequestSender) waitForAccepted(next peer.Ref) bool {
	for {
		msg, timedOut := rs.waitFor(rs.cfg.AcceptedTimeout)
		if timedOut {
			rs.ft.OnFailed(rs.key, next, rs.cfg.AcceptedTimeout)
			return false
		}
		switch m := msg.(type) {
		case wire.RejectedLoop:
			rs.ft.OnFailed(rs.key, next, rs.cfg.AcceptedTimeout)
			return false
		case wire.RejectedOverload:
			if m.IsLocal {
				rs.ft.OnFailed(rs.key, next, rs.cfg.AcceptedTimeout)
				return false
			}
			rs.forwardOverload()
			continue // keep waiting on the same peer
		case wire.Accepted:
			return true
		default:
			// anything else arriving before Accepted is unexpected for this
			// phase; ignore and keep waiting out the deadline.
			continue
		}
	}
}

// waitForTerminal implements §4.6 step B.6. Returns (status, true) when the
// caller should retry phase B against a new candidate, or (status, false)
// when the state machine is done.
func (rs *RequestSender) waitForTerminal(next *peer.PeerNode) (Status, bool) {
	sentAt := time.Now()
	for {
		msg, timedOut := rs.waitFor(rs.cfg.FetchTimeout)
		if timedOut {
			ref := next.ID()
			rs.recordFinalFailure(&ref)
			return rs.finish(Timeout), false
		}
		switch m := msg.(type) {
		case wire.DataNotFound:
			rs.recordFinalFailure(nil)
			return rs.finish(DataNotFound), false
		case wire.RecentlyFailed:
			timeLeft := time.Duration(m.TimeLeftMS) * time.Millisecond
			elapsed := time.Since(sentAt)
			adjusted := timeLeft - elapsed
			if adjusted < 0 {
				adjusted = 0
			}
			adjusted -= timeLeft / 100
			if adjusted < 0 {
				adjusted = 0
			}
			rs.ft.OnFinalFailure(rs.key, nil, adjusted, rs.source)
			return rs.finish(RecentlyFailedStatus), false
		case wire.RouteNotFound:
			if m.NewHTL < rs.htl {
				rs.htl = m.NewHTL
			}
			return NotFinished, true
		case wire.RejectedOverload:
			if !m.IsLocal {
				rs.forwardOverload()
				continue
			}
			return NotFinished, true
		case wire.CHKDataFound:
			s := rs.phaseTransferCHK(next.ID(), m.Headers, m.Payload)
			return rs.finish(s), false
		case wire.SSKDataFound:
			rs.sskHdr = m.Headers
			rs.sskData = m.Data
			if rs.pubKey != nil {
				return rs.finish(rs.phaseFinalizeSSK(rs.sskHdr, rs.sskData)), false
			}
			continue
		case wire.SSKPubKey:
			rs.pubKey = m.PubKeyRaw
			if rs.sskData != nil {
				return rs.finish(rs.phaseFinalizeSSK(rs.sskHdr, rs.sskData)), false
			}
			continue
		default:
			continue
		}
	}
}

// phaseTransferCHK implements §4.6 Phase T: verify the recovered block
// against the CHK's own hash and commit it to the shallow store.
func (rs *RequestSender) phaseTransferCHK(from peer.Ref, headers, payload []byte) Status {
	if !keys.VerifyCHK(rs.key, headers, payload) {
		return VerifyFailure
	}
	blk := &keys.Block{Key: rs.key, Headers: headers, Payload: payload}
	if err := rs.shallow.Put(blk); err != nil {
		log.Warn("request: shallow store put failed", "uid", rs.uid, "err", err)
	}
	if rs.cfg.RandomReinsertInterval > 0 && rand.Intn(rs.cfg.RandomReinsertInterval) == 0 {
		rs.queueRandomReinsert(blk)
	}
	return Success
}

// phaseFinalizeSSK implements §4.6 Phase F. headers carries the DSA
// signature bytes; data is the encrypted payload the signature covers.
func (rs *RequestSender) phaseFinalizeSSK(headers, data []byte) Status {
	if !rs.verify.Verify(cryptoverify.PubKey(rs.pubKey), data, headers) {
		return VerifyFailure
	}
	blk := &keys.Block{Key: rs.key, Headers: headers, Payload: data}
	// a collision (something already stored under this key) is treated as
	// success regardless of which bytes win; Put always overwrites, which
	// is an acceptable resolution since both are valid under the same SSK.
	if err := rs.shallow.Put(blk); err != nil {
		log.Warn("request: shallow store put failed", "uid", rs.uid, "err", err)
	}
	return Success
}

// queueRandomReinsertHook is a hook for the node-wiring layer, set once via
// SetRandomReinsertHook at node startup; left as a no-op default so
// RequestSender has no hard dependency on an InsertSender.
var queueRandomReinsertHook func(*keys.Block)

// SetRandomReinsertHook wires up the node layer's mechanism for actually
// driving a probabilistic reinsert (spec.md §4.6 Phase T), since
// RequestSender itself only owns a ShallowStore and has no InsertSender,
// Selector-independent UID minting, or Inboxes registration of its own.
func SetRandomReinsertHook(fn func(*keys.Block)) {
	queueRandomReinsertHook = fn
}

func (rs *RequestSender) queueRandomReinsert(b *keys.Block) {
	if queueRandomReinsertHook != nil {
		queueRandomReinsertHook(b)
	}
}

// forwardOverload implements the idempotent upstream-forward rule: once
// forwarded, further remote overloads for this UID are absorbed silently,
// and forwarding never reflects back to whichever peer sent the overload.
func (rs *RequestSender) forwardOverload() {
	if rs.overloadSent || rs.source == nil {
		return
	}
	rs.overloadSent = true
	if err := rs.sender.Send(*rs.source, rs.uid, wire.RejectedOverload{UID: rs.uid, IsLocal: false}); err != nil {
		log.Debug("request: overload forward failed", "uid", rs.uid, "err", err)
	}
}

func (rs *RequestSender) recordFinalFailure(failedPeer *peer.Ref) {
	rs.ft.OnFinalFailure(rs.key, failedPeer, rs.cfg.RejectTime, rs.source)
}

// waitFor blocks on the inbox up to timeout, returning (nil, true) on
// expiry. Every suspension point in the state machine funnels through
// here, matching spec.md §5's "every wait_for is bounded" requirement.
func (rs *RequestSender) waitFor(timeout time.Duration) (any, bool) {
	select {
	case msg := <-rs.inbox:
		return msg, false
	case <-time.After(timeout):
		return nil, true
	}
}
