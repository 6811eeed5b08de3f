// Package uidreg implements C8: the process-wide registry of in-flight
// request UIDs, with a bounded "recently completed" window used to reject
// loops (spec.md §3, §4.5, §4.8).
package uidreg

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/007pig/fred-sub003/internal/wire"
)

// Kind distinguishes request vs. insert locks, so a UID collision between
// the two families is still caught.
type Kind uint8

const (
	KindRequest Kind = iota
	KindInsert
)

const DefaultRecentlyCompletedWindow = 10_000

// Registry is a single owned structure passed explicitly into the
// dispatcher (spec.md §9: "Model as a single owned structure ... tests
// substitute a fake").
type Registry struct {
	mu        sync.Mutex
	inFlight  map[wire.UID]Kind
	completed *simplelru.LRU[wire.UID, time.Time]
	rejectTTL time.Duration
}

func New(rejectTTL time.Duration) *Registry {
	c, _ := simplelru.NewLRU[wire.UID, time.Time](DefaultRecentlyCompletedWindow, nil)
	return &Registry{
		inFlight:  make(map[wire.UID]Kind),
		completed: c,
		rejectTTL: rejectTTL,
	}
}

// TryLock attempts to claim uid for kind. Fails if already in flight.
func (r *Registry) TryLock(uid wire.UID, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[uid]; ok {
		return false
	}
	r.inFlight[uid] = kind
	return true
}

// Unlock releases uid and, when terminal is true, records it as recently
// completed for RejectTime, per spec.md's invariant that a completed UID stays rejectable
// for >= REJECT_TIME.
func (r *Registry) Unlock(uid wire.UID, kind Kind, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, uid)
	if terminal {
		r.completed.Add(uid, time.Now().Add(r.rejectTTL))
	}
}

// RecentlyCompleted reports whether uid finished within the reject window.
func (r *Registry) RecentlyCompleted(uid wire.UID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.completed.Get(uid)
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		r.completed.Remove(uid)
		return false
	}
	return true
}

// InFlightCount reports the number of currently locked UIDs (diagnostics).
func (r *Registry) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}
