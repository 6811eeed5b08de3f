package node

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/007pig/fred-sub003/internal/request"
)

// goroutineSpawner is the simplest Spawner: one goroutine per handler, no
// bounded pool. spec.md §5 calls for "a worker pool" but bounds it only by
// NodeStats admission control upstream of Spawn, so an unbounded goroutine
// launch here is safe as long as admission control is doing its job.
// It owns releasing the inbox the Dispatcher registered, once the handler
// (and any forward sender reusing the same inbox) is done with it.
type goroutineSpawner struct {
	inboxes *request.Inboxes
}

func (g *goroutineSpawner) SpawnRequest(h *request.RequestHandler, inbox request.Inbox) {
	go func() {
		defer g.inboxes.Unregister(h.UID())

		fwd, err := h.Run(inbox)
		if err != nil {
			log.Debug("node: request handler failed", "err", err)
			return
		}
		if fwd == nil {
			return
		}
		status := fwd.Run()
		h.ForwardResult(status)
	}()
}

func (g *goroutineSpawner) SpawnInsert(h *request.InsertHandler, inbox request.Inbox) {
	go func() {
		defer g.inboxes.Unregister(h.UID())

		fwd, err := h.Run(inbox)
		if err != nil {
			log.Debug("node: insert handler failed", "err", err)
			return
		}
		if fwd == nil {
			return
		}
		if _, err := fwd.Run(); err != nil {
			log.Debug("node: forwarding insert sender failed", "err", err)
		}
	}()
}
