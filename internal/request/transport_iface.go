package request

import (
	"sync"

	"github.com/007pig/fred-sub003/internal/peer"
	"github.com/007pig/fred-sub003/internal/wire"
)

// Sender is the narrow outbound interface RequestSender/InsertSender need:
// put one wire message on the reliable per-peer KeyTracker queue addressed
// to p, tagged with uid for matching replies. The concrete implementation
// lives at the node-wiring layer, where a PeerRef resolves to an actual
// KeyTracker and session.
type Sender interface {
	Send(p peer.Ref, uid wire.UID, msg any) error
}

// Inbox delivers every inbound wire message for one UID, in arrival order,
// to whichever goroutine is waiting on it (spec.md §5: "for a single UID,
// messages received from next are processed in arrival order").
type Inbox chan any

// Inboxes is the registry the MessageDispatcher uses to route a reply to
// the RequestSender/InsertSender waiting for it.
type Inboxes struct {
	mu  sync.Mutex
	reg map[wire.UID]Inbox
}

func NewInboxes() *Inboxes {
	return &Inboxes{reg: make(map[wire.UID]Inbox)}
}

func (in *Inboxes) Register(uid wire.UID) Inbox {
	box := make(Inbox, 32)
	in.mu.Lock()
	in.reg[uid] = box
	in.mu.Unlock()
	return box
}

func (in *Inboxes) Unregister(uid wire.UID) {
	in.mu.Lock()
	delete(in.reg, uid)
	in.mu.Unlock()
}

func (in *Inboxes) Deliver(uid wire.UID, msg any) bool {
	in.mu.Lock()
	box, ok := in.reg[uid]
	in.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case box <- msg:
		return true
	default:
		// a stalled consumer must never block the dispatcher; drop rather
		// than deadlock the shared I/O worker.
		return false
	}
}
