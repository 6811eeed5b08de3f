package request

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/007pig/fred-sub003/internal/cryptoverify"
	"github.com/007pig/fred-sub003/internal/failuretable"
	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/store"
	"github.com/007pig/fred-sub003/internal/wire"
)

// CompletionCallback is notified exactly once when a RequestHandler or
// InsertHandler reaches a terminal status, grounded on the gohyphanet
// reference's RequestCompletionCallback.
type CompletionCallback func(uid wire.UID, status Status)

// RequestHandler is the inbound half of C5's "spawn the appropriate
// handler" step: check the local store first, reply Accepted either way,
// and only then route onward if the key isn't held locally. spec.md §4.5
// leaves this as a one-line contract; this implementation follows the
// gohyphanet reference's check-then-forward shape.
type RequestHandler struct {
	mu sync.Mutex

	uid    wire.UID
	key    keys.Key
	htl    uint8
	source peer.Ref

	shallow *store.ShallowStore
	deep    *store.DeepStore
	sender  Sender
	sel     *peer.Selector
	ft      *failuretable.FailureTable
	verify  cryptoverify.SSKVerifier
	cfg     Config

	sentBytes     int
	receivedBytes int

	status    Status
	callbacks []CompletionCallback
}

func NewRequestHandler(cfg Config, uid wire.UID, key keys.Key, htl uint8, source peer.Ref, shallow *store.ShallowStore, deep *store.DeepStore, sender Sender, sel *peer.Selector, ft *failuretable.FailureTable, verify cryptoverify.SSKVerifier) *RequestHandler {
	return &RequestHandler{
		cfg:     cfg,
		uid:     uid,
		key:     key,
		htl:     htl,
		source:  source,
		shallow: shallow,
		deep:    deep,
		sender:  sender,
		sel:     sel,
		ft:      ft,
		verify:  verify,
		status:  NotFinished,
	}
}

func (h *RequestHandler) AddCompletionCallback(cb CompletionCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// Run checks local stores first, always replies Accepted, and returns a
// freshly constructed RequestSender to route onward when the data isn't
// held locally (nil when this handler already served the answer or ran out
// of HTL). inbox must already be registered under h.uid with the
// dispatcher's Inboxes, so that downstream replies reach the returned
// sender's wait_for loop. The caller drives forward.Run() itself.
func (h *RequestHandler) Run(inbox Inbox) (forward *RequestSender, err error) {
	blk, ok, storeErr := h.checkLocal()
	if storeErr != nil {
		log.Warn("request: local store check failed", "uid", h.uid, "err", storeErr)
	}
	if err := h.sender.Send(h.source, h.uid, wire.Accepted{UID: h.uid}); err != nil {
		h.setStatus(InternalError)
		h.notify()
		return nil, err
	}

	if ok {
		h.returnLocalData(blk)
		h.notify()
		return nil, nil
	}

	if h.htl == 0 {
		h.setStatus(DataNotFound)
		_ = h.sender.Send(h.source, h.uid, wire.DataNotFound{UID: h.uid})
		h.notify()
		return nil, nil
	}

	source := h.source
	rs := NewRequestSender(h.cfg, h.uid, h.key, h.htl-1, &source, inbox, h.sender, h.sel, h.ft, h.shallow, h.verify)
	return rs, nil
}

// ForwardResult relays the outcome of the RequestSender returned by Run back
// to h.source, once the caller has finished driving that sender. A nil
// block with a non-Success status maps directly onto the matching
// DataNotFound/RouteNotFound/etc. wire reply; Success re-sends whatever the
// forwarded sender ended up with in the shallow store.
func (h *RequestHandler) ForwardResult(status Status) {
	defer h.notify()
	h.setStatus(status)
	if status == Success {
		if blk, ok, _ := h.shallow.Get(h.key); ok {
			h.returnLocalData(blk)
			return
		}
	}
	switch status {
	case RouteNotFound:
		_ = h.sender.Send(h.source, h.uid, wire.RouteNotFound{UID: h.uid, NewHTL: h.htl})
	case Timeout, DataNotFound, VerifyFailure, TransferFailed:
		_ = h.sender.Send(h.source, h.uid, wire.DataNotFound{UID: h.uid})
	}
}

func (h *RequestHandler) checkLocal() (*keys.Block, bool, error) {
	blk, ok, err := h.shallow.Get(h.key)
	if ok || err != nil {
		return blk, ok, err
	}
	return h.deep.Get(h.key)
}

func (h *RequestHandler) returnLocalData(blk *keys.Block) {
	switch h.key.Kind {
	case keys.KindCHK:
		h.sendAndCount(wire.CHKDataFound{UID: h.uid, Headers: blk.Headers, Payload: blk.Payload}, len(blk.Headers)+len(blk.Payload))
	case keys.KindSSK:
		h.sendAndCount(wire.SSKDataFound{UID: h.uid, Headers: blk.Headers, Data: blk.Payload}, len(blk.Headers)+len(blk.Payload))
		if pub, ok, _ := h.shallow.GetPubKey(h.key); ok {
			h.sendAndCount(wire.SSKPubKey{UID: h.uid, PubKeyRaw: pub}, len(pub))
		}
	}
	h.setStatus(Success)
}

func (h *RequestHandler) sendAndCount(msg any, n int) {
	if err := h.sender.Send(h.source, h.uid, msg); err != nil {
		log.Debug("request: reply send failed", "uid", h.uid, "err", err)
		return
	}
	h.mu.Lock()
	h.sentBytes += n
	h.mu.Unlock()
}

func (h *RequestHandler) setStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

func (h *RequestHandler) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// UID reports the UID this handler was spawned for, so node wiring can
// release the handler's registered inbox once it's done with it.
func (h *RequestHandler) UID() wire.UID { return h.uid }

func (h *RequestHandler) notify() {
	h.mu.Lock()
	cbs := append([]CompletionCallback{}, h.callbacks...)
	status := h.status
	h.mu.Unlock()
	for _, cb := range cbs {
		cb(h.uid, status)
	}
}

// InsertHandler is the inbound half of an insert (SPEC_FULL.md supplement
// #2): commit the block to the deep store, reply, and return an
// InsertSender to continue propagation when HTL permits.
type InsertHandler struct {
	mu sync.Mutex

	uid    wire.UID
	block  *keys.Block
	htl    uint8
	source peer.Ref

	deep   *store.DeepStore
	sender Sender
	sel    *peer.Selector
	cfg    Config

	status Status
}

func NewInsertHandler(cfg Config, uid wire.UID, block *keys.Block, htl uint8, source peer.Ref, deep *store.DeepStore, sender Sender, sel *peer.Selector) *InsertHandler {
	return &InsertHandler{cfg: cfg, uid: uid, block: block, htl: htl, source: source, deep: deep, sender: sender, sel: sel, status: NotFinished}
}

// Run commits the block locally (an insert always succeeds locally, per
// GLOSSARY "Deep store"), replies to source, and returns an InsertSender to
// continue propagation toward a comparable set of further nodes when HTL
// permits (nil when this was the last hop). inbox must already be
// registered under h.uid if a forward sender is expected to be driven.
func (ih *InsertHandler) Run(inbox Inbox) (forward *InsertSender, err error) {
	if err := ih.deep.Put(ih.block); err != nil {
		ih.status = InternalError
		return nil, err
	}
	ih.status = Success
	if err := ih.sender.Send(ih.source, ih.uid, wire.InsertReply{UID: ih.uid}); err != nil {
		return nil, err
	}
	if ih.htl == 0 {
		return nil, nil
	}
	source := ih.source
	return NewInsertSender(ih.cfg, ih.uid, ih.block, ih.htl-1, &source, inbox, ih.sender, ih.sel, ih.deep), nil
}

func (ih *InsertHandler) Status() Status { return ih.status }

// UID reports the UID this handler was spawned for, so node wiring can
// release the handler's registered inbox once it's done with it.
func (ih *InsertHandler) UID() wire.UID { return ih.uid }
