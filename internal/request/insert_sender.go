package request

import (
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/store"
	"github.com/007pig/fred-sub003/internal/wire"
)

// InsertSender is SPEC_FULL.md supplement #2: the outbound half of a block
// insert, mirroring RequestSender's HTL and PeerSelector mechanics but
// pushing a payload downstream instead of pulling one. Commits always land
// in the deep store, never the shallow cache (GLOSSARY: "Shallow store").
type InsertSender struct {
	cfg Config

	uid    wire.UID
	block  *keys.Block
	htl    uint8
	source *peer.Ref
	inbox  Inbox

	visited      map[peer.Ref]bool
	hasForwarded bool
	overloadSent bool

	sender Sender
	sel    *peer.Selector
	deep   *store.DeepStore

	sentBytes     int
	receivedBytes int

	Status Status
}

func NewInsertSender(cfg Config, uid wire.UID, block *keys.Block, htl uint8, source *peer.Ref, inbox Inbox, sender Sender, sel *peer.Selector, deep *store.DeepStore) *InsertSender {
	return &InsertSender{
		cfg:     cfg,
		uid:     uid,
		block:   block,
		htl:     htl,
		source:  source,
		inbox:   inbox,
		visited: make(map[peer.Ref]bool),
		sender:  sender,
		sel:     sel,
		deep:    deep,
	}
}

func (is *InsertSender) finish(s Status) Status {
	is.Status = s
	return s
}

// Run commits the block locally first (an insert always succeeds locally,
// per GLOSSARY "Deep store"), then routes it to a comparable set of peers.
// The return value reflects only the routing outcome; a local commit
// failure is reported through the returned error.
func (is *InsertSender) Run() (Status, error) {
	if err := is.deep.Put(is.block); err != nil {
		return is.finish(InternalError), err
	}
	return is.routingLoop(), nil
}

func (is *InsertSender) routingLoop() Status {
	for {
		atOrigin := !is.hasForwarded
		is.htl = is.cfg.DecrementHTL(is.htl, atOrigin)
		if is.htl == 0 {
			return is.finish(Success) // local commit already happened
		}

		var sourceRef peer.Ref
		if is.source != nil {
			sourceRef = *is.source
		}
		next, _ := is.sel.ClosestPeer(sourceRef, is.visited, nil, is.block.Key.ToLocation(), peer.DefaultOptions())
		if next == nil {
			return is.finish(Success)
		}
		is.visited[next.ID()] = true

		if err := is.sender.Send(next.ID(), is.uid, wire.InsertRequest{UID: is.uid, HTL: is.htl, Key: is.block.Key, Headers: is.block.Headers, Payload: is.block.Payload}); err != nil {
			log.Debug("insert: send failed, trying next peer", "uid", is.uid, "err", err)
			continue
		}
		is.sentBytes += len(is.block.Headers) + len(is.block.Payload)
		is.hasForwarded = true

		msg, timedOut := is.waitFor(is.cfg.AcceptedTimeout)
		if timedOut {
			continue
		}
		switch m := msg.(type) {
		case wire.RejectedOverload:
			if m.IsLocal {
				continue
			}
			is.forwardOverload()
			continue
		case wire.RouteNotFound:
			if m.NewHTL < is.htl {
				is.htl = m.NewHTL
			}
			continue
		case wire.InsertReply:
			return is.finish(Success)
		default:
			continue
		}
	}
}

func (is *InsertSender) forwardOverload() {
	if is.overloadSent || is.source == nil {
		return
	}
	is.overloadSent = true
	if err := is.sender.Send(*is.source, is.uid, wire.RejectedOverload{UID: is.uid, IsLocal: false}); err != nil {
		log.Debug("insert: overload forward failed", "uid", is.uid, "err", err)
	}
}

func (is *InsertSender) waitFor(timeout time.Duration) (any, bool) {
	select {
	case msg := <-is.inbox:
		return msg, false
	case <-time.After(timeout):
		return nil, true
	}
}
