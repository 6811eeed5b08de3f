// Package peer models the peer table as an arena of PeerNode entries keyed
// by a stable identifier, with PeerRef tokens standing in for cross
// references (spec.md §9: "Mutable graph of peers"). This avoids reference
// cycles and lets a removed peer's tokens safely dangle: Registry.Get
// returns false for them, a case every caller already has to handle because
// a peer can disconnect mid-operation.
package peer

import (
	"sync"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/007pig/fred-sub003/internal/location"
	"github.com/007pig/fred-sub003/internal/transport"
)

// ConnState is the lifecycle state of a PeerNode (spec.md §3).
type ConnState uint8

const (
	Connecting ConnState = iota
	Connected
	Disconnecting
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Ref is a stable, cheap-to-copy 64-bit token referencing a PeerNode in a
// Registry. It never itself holds a pointer, so peer removal cannot leave a
// dangling cycle; a Ref simply stops resolving.
type Ref uint64

// PeerNode is one entry in the peer arena.
type PeerNode struct {
	mu sync.RWMutex

	id       Ref
	identity libp2ppeer.ID
	addrs    []multiaddr.Multiaddr
	bootID   uint64

	loc   location.Location
	state ConnState

	tracker *transport.KeyTracker // non-nil only while state == Connected

	avgPingMillis float64
	backoff       map[string]int // backoff-reason -> count, per spec.md §3
}

func New(id Ref, identity libp2ppeer.ID, loc location.Location) *PeerNode {
	return &PeerNode{
		id:       id,
		identity: identity,
		loc:      loc,
		state:    Connecting,
		backoff:  make(map[string]int),
	}
}

func (p *PeerNode) ID() Ref { return p.id }

func (p *PeerNode) Identity() libp2ppeer.ID { return p.identity }

// BootID is the per-session random value a peer mints on each restart, used
// by the offered-key fast path (spec.md §4.6 Phase A) to detect an offer
// that was made before the remote peer last rebooted.
func (p *PeerNode) BootID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bootID
}

func (p *PeerNode) SetBootID(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bootID = id
}

func (p *PeerNode) Location() location.Location {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loc
}

// SetLocation applies a peer-announced location update (spec.md §3, expanded
// in SPEC_FULL.md's presence-gossip supplement).
func (p *PeerNode) SetLocation(l location.Location) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loc = l
}

func (p *PeerNode) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState transitions the peer's connection state. Leaving Connected drops
// the per-session tracker and tears it down (outside the lock, since
// KeyTracker.Disconnected broadcasts to any goroutine blocked in
// AllocateOutgoingSeqno and runs completion callbacks).
func (p *PeerNode) SetState(s ConnState) {
	p.mu.Lock()
	tracker := p.tracker
	p.state = s
	if s != Connected {
		p.tracker = nil
	}
	p.mu.Unlock()

	if s != Connected && tracker != nil {
		tracker.Disconnected()
	}
}

// Routable reports whether the peer currently qualifies as a routing
// candidate for PeerSelector (connected and not mid-disconnect).
func (p *PeerNode) Routable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == Connected
}

func (p *PeerNode) Tracker() *transport.KeyTracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracker
}

func (p *PeerNode) SetTracker(t *transport.KeyTracker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker = t
}

func (p *PeerNode) AvgPingMillis() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.avgPingMillis
}

// ReportRTT folds a freshly measured round-trip time into the running
// average ping, as KeyTracker.on_acked is specified to do (spec.md §4.2).
func (p *PeerNode) ReportRTT(rtt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.avgPingMillis == 0 {
		p.avgPingMillis = rtt
		return
	}
	const alpha = 0.2
	p.avgPingMillis = alpha*rtt + (1-alpha)*p.avgPingMillis
}

// Backoff records an opaque backoff reason (overload, timeout, ...) and
// returns the new count for that reason, so callers can derive an
// exponentially growing suppression interval capped per spec.md §7.
func (p *PeerNode) Backoff(reason string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff[reason]++
	return p.backoff[reason]
}

func (p *PeerNode) ClearBackoff(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backoff, reason)
}
