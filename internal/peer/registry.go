package peer

import "sync"

// Registry is the process-wide peer arena: add/remove is a single-writer
// path (spec.md §5 "connected-peer table is read-mostly; a single writer
// mutex protects the add/remove path").
type Registry struct {
	mu    sync.RWMutex
	peers map[Ref]*PeerNode
	next  Ref
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[Ref]*PeerNode)}
}

// Add inserts p under a freshly minted Ref and returns it.
func (r *Registry) Add(p *PeerNode) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	p.id = id
	r.peers[id] = p
	return id
}

// Get resolves a Ref to its PeerNode. Returns false if the peer was removed
// (a dangling token), which callers already must treat as "peer gone".
func (r *Registry) Get(id Ref) (*PeerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Remove drops a peer from the arena; any Ref still held elsewhere simply
// stops resolving.
func (r *Registry) Remove(id Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// All returns a snapshot slice of every currently registered peer.
func (r *Registry) All() []*PeerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerNode, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
