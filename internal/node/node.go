// Package node wires every subsystem (peer registry, transport, failure
// table, UID registry, admission control, stores, dispatcher, presence
// gossip) into one running daemon.
package node

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/007pig/fred-sub003/internal/config"
	"github.com/007pig/fred-sub003/internal/cryptoverify"
	"github.com/007pig/fred-sub003/internal/dispatch"
	"github.com/007pig/fred-sub003/internal/failuretable"
	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/nodestats"
	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/presence"
	"github.com/007pig/fred-sub003/internal/request"
	"github.com/007pig/fred-sub003/internal/store"
	"github.com/007pig/fred-sub003/internal/uidreg"
	"github.com/007pig/fred-sub003/internal/wire"
)

// Node bundles every long-lived subsystem for one running instance.
type Node struct {
	cfg *config.Loader

	Registry   *peer.Registry
	Selector   *peer.Selector
	FailureTbl *failuretable.FailureTable
	UIDs       *uidreg.Registry
	Admission  *nodestats.Admission
	Shallow    *store.ShallowStore
	Deep       *store.DeepStore
	Inboxes    *request.Inboxes
	Dispatcher *dispatch.Dispatcher
	Presence   *presence.Gossip

	verify cryptoverify.SSKVerifier

	host host.Host
	ps   *pubsub.PubSub
	sndr *StreamSender

	cancel context.CancelFunc
}

// Options bundles the construction-time parameters that aren't themselves
// reloadable tunables (storage paths, listen addrs).
type Options struct {
	ConfigPath   string
	DeepStoreDir string
	ListenAddrs  []string
	MetricsReg   prometheus.Registerer
}

// New constructs every subsystem, joins the presence gossip topic, and
// registers stream handlers. It does not dial peers or run any opennet
// bootstrap, and cmd/frednode does not either.
func New(ctx context.Context, opts Options) (*Node, error) {
	loader, err := config.NewLoader(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("node: loading config: %w", err)
	}
	tunables := loader.Current()

	h, err := libp2p.New(libp2p.ListenAddrStrings(opts.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("node: starting libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("node: starting pubsub: %w", err)
	}

	deep, err := store.NewDeepStore(opts.DeepStoreDir)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("node: opening deep store: %w", err)
	}

	registry := peer.NewRegistry()
	selector := peer.NewSelector(registry)
	ft := failuretable.New()
	uids := uidreg.New(tunables.RequestConfig().RejectTime)
	shallow := store.NewShallowStore(tunables.ShallowStoreBytes)
	admission := nodestats.NewAdmission(
		rate.Limit(tunables.CHKPerSecond),
		rate.Limit(tunables.SSKPerSecond),
		tunables.MaxUnclaimedQueue,
		opts.MetricsReg,
	)
	inboxes := request.NewInboxes()
	verify := cryptoverify.ECDSAVerifier{}

	gossip, err := presence.NewGossip(ctx, ps, h.ID(), registry, make(map[libp2ppeer.ID]peer.Ref))
	if err != nil {
		cancel()
		deep.Close()
		h.Close()
		return nil, fmt.Errorf("node: joining presence topic: %w", err)
	}

	sender := NewStreamSender(h, registry)

	n := &Node{
		cfg:        loader,
		Registry:   registry,
		Selector:   selector,
		FailureTbl: ft,
		UIDs:       uids,
		Admission:  admission,
		Shallow:    shallow,
		Deep:       deep,
		Inboxes:    inboxes,
		Presence:   gossip,
		verify:     verify,
		host:       h,
		ps:         ps,
		sndr:       sender,
		cancel:     cancel,
	}

	spawner := &goroutineSpawner{inboxes: inboxes}
	n.Dispatcher = dispatch.New(
		uids, admission, inboxes, sender, selector, spawner,
		n.newRequestHandler, n.newInsertHandler,
	)
	sender.RegisterHandlers(n.onInboundRequest, n.onInboundReply)
	request.SetRandomReinsertHook(n.randomReinsert)

	log.Info("node: started", "deep_store", opts.DeepStoreDir, "id", h.ID())
	return n, nil
}

// randomReinsert drives spec.md §4.6 Phase T's "queue a random reinsert"
// step: originate a fresh InsertSender for blk, as if this node had just
// been asked to insert it, toward a comparable set of further nodes.
func (n *Node) randomReinsert(blk *keys.Block) {
	uid := wire.UID(rand.Uint64())
	inbox := n.Inboxes.Register(uid)
	cfg := n.cfg.Current().RequestConfig()

	is := request.NewInsertSender(cfg, uid, blk, cfg.HTLMax, nil, inbox, n.sndr, n.Selector, n.Deep)
	go func() {
		defer n.Inboxes.Unregister(uid)
		if _, err := is.Run(); err != nil {
			log.Debug("node: random reinsert failed", "key", blk.Key, "err", err)
		}
	}()
}

func (n *Node) newRequestHandler(uid wire.UID, key keys.Key, htl uint8, source peer.Ref) *request.RequestHandler {
	cfg := n.cfg.Current().RequestConfig()
	return request.NewRequestHandler(cfg, uid, key, htl, source, n.Shallow, n.Deep, n.sndr, n.Selector, n.FailureTbl, n.verify)
}

func (n *Node) newInsertHandler(uid wire.UID, block *keys.Block, htl uint8, source peer.Ref) *request.InsertHandler {
	cfg := n.cfg.Current().RequestConfig()
	return request.NewInsertHandler(cfg, uid, block, htl, source, n.Deep, n.sndr, n.Selector)
}

// onInboundRequest is the MessageDispatcher's C5 entry point for a freshly
// arrived CHK/SSK/Insert/offer request.
func (n *Node) onInboundRequest(from peer.Ref, uid wire.UID, msg any) {
	switch m := msg.(type) {
	case wire.CHKDataRequest:
		n.Dispatcher.DispatchDataRequest(from, uid, m.Key, m.HTL, false, false, nil)
	case wire.SSKDataRequest:
		n.Dispatcher.DispatchDataRequest(from, uid, m.Key, m.HTL, false, true, nil)
	case wire.InsertRequest:
		blk := &keys.Block{Key: m.Key, Headers: m.Headers, Payload: m.Payload}
		n.Dispatcher.DispatchDataRequest(from, uid, m.Key, m.HTL, true, false, blk)
	case wire.GetOfferedKey:
		n.handleGetOfferedKey(from, m)
	default:
		if n.Dispatcher.DispatchTrivial(from, msg) {
			return
		}
		log.Debug("node: unhandled inbound request", "type", fmt.Sprintf("%T", msg))
	}
}

// onInboundReply routes anything addressed to an already in-flight UID
// (Accepted, DataFound, overloads, ...) to the waiting state machine's
// inbox.
func (n *Node) onInboundReply(uid wire.UID, msg any) {
	if n.Dispatcher.Deliver(uid, msg) {
		return
	}
	log.Debug("node: reply for unknown/completed uid dropped", "uid", uid)
}

// handleGetOfferedKey answers the offered-key fast path directly: if the
// key is in our own store, reply with the data; otherwise GetOfferedKeyInvalid.
func (n *Node) handleGetOfferedKey(from peer.Ref, m wire.GetOfferedKey) {
	blk, ok, err := n.Shallow.Get(m.Key)
	if !ok && err == nil {
		blk, ok, err = n.Deep.Get(m.Key)
	}
	if err != nil || !ok {
		_ = n.sndr.Send(from, m.UID, wire.GetOfferedKeyInvalid{UID: m.UID, Reason: "not held locally"})
		return
	}
	switch m.Key.Kind {
	case keys.KindCHK:
		_ = n.sndr.Send(from, m.UID, wire.CHKDataFound{UID: m.UID, Headers: blk.Headers, Payload: blk.Payload})
	case keys.KindSSK:
		_ = n.sndr.Send(from, m.UID, wire.SSKDataFound{UID: m.UID, Headers: blk.Headers, Data: blk.Payload})
	}
}

// Shutdown tears down every subsystem, collecting every error rather than
// stopping at the first (hashicorp/go-multierror, matching the teacher's
// own shutdown-path aggregation idiom).
func (n *Node) Shutdown() error {
	n.cancel()
	var result *multierror.Error
	if err := n.Presence.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("presence: %w", err))
	}
	if err := n.Deep.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("deep store: %w", err))
	}
	if err := n.cfg.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("config watcher: %w", err))
	}
	if err := n.host.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("libp2p host: %w", err))
	}
	return result.ErrorOrNil()
}

// Tunables returns the current, possibly hot-reloaded, tunables snapshot.
func (n *Node) Tunables() config.Tunables { return n.cfg.Current() }
