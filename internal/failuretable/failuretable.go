// Package failuretable implements C4: the negative cache of recently-failed
// keys (with time-left propagation bounded so refreshes never extend an
// expiry) and the positive cache of peers that have offered specific keys.
package failuretable

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/google/uuid"

	"github.com/007pig/fred-sub003/internal/keys"
	"github.com/007pig/fred-sub003/internal/peer"
)

// Offer is one peer's announcement that it holds a specific key.
type Offer struct {
	Peer          peer.Ref
	Authenticator uuid.UUID
	BootID        uint64
	Expiry        time.Time
}

func (o Offer) expired(now time.Time) bool { return now.After(o.Expiry) }

type entry struct {
	mu sync.Mutex

	key        keys.Key
	createdAt  time.Time
	expiresAt  time.Time
	deniedPeer map[peer.Ref]bool
	offeredBy  []Offer
}

// FailureTable is keyed by keys.Key (via its hash string).
type FailureTable struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, *entry]
}

const defaultCapacity = 50_000

func New() *FailureTable {
	// capacity > 0 never errors, mirroring op-node/p2p/sync.go's own
	// simplelru.NewLRU usage.
	c, _ := simplelru.NewLRU[string, *entry](defaultCapacity, nil)
	return &FailureTable{entries: c}
}

func keyID(k keys.Key) string { return k.String() }

// OnFinalFailure inserts or refreshes the negative-cache entry for key.
// Refresh rule (spec.md §4.4): entry.time_left := min(existing_remaining,
// incoming_time_left). An expiry is never extended, which bounds the
// longest path length of a negative-cache refresh loop (A->B->C->A) to the
// original expiry.
func (ft *FailureTable) OnFinalFailure(key keys.Key, failedPeer *peer.Ref, timeLeft time.Duration, requestor *peer.Ref) {
	now := time.Now()
	ft.mu.Lock()
	e, ok := ft.entries.Get(keyID(key))
	if !ok {
		e = &entry{key: key, createdAt: now, deniedPeer: make(map[peer.Ref]bool)}
		ft.entries.Add(keyID(key), e)
	}
	ft.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	candidate := now.Add(timeLeft)
	remaining := e.expiresAt.Sub(now)
	if !ok || remaining <= 0 || candidate.Before(e.expiresAt) {
		e.expiresAt = candidate
	}
	// else: keep the earlier (shorter-remaining) expiry; never extend.
	if failedPeer != nil {
		e.deniedPeer[*failedPeer] = true
	}
}

// OnFailed is soft-failure telemetry only: no negative caching, per
// spec.md §4.4. Kept as a named no-op entry point so callers (RequestSender
// Phase B backoff) have a single place to report it, and so a future metrics
// hook has somewhere to attach.
func (ft *FailureTable) OnFailed(key keys.Key, failedPeer peer.Ref, rtt time.Duration) {}

// RecentlyFailed returns the remaining time-left for key if its entry is
// still live.
func (ft *FailureTable) RecentlyFailed(key keys.Key) (time.Duration, bool) {
	ft.mu.Lock()
	e, ok := ft.entries.Get(keyID(key))
	ft.mu.Unlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// OnOfferReceived upserts a peer's announcement that it holds key.
func (ft *FailureTable) OnOfferReceived(key keys.Key, p peer.Ref, bootID uint64, ttl time.Duration) Offer {
	now := time.Now()
	ft.mu.Lock()
	e, ok := ft.entries.Get(keyID(key))
	if !ok {
		e = &entry{key: key, createdAt: now, deniedPeer: make(map[peer.Ref]bool)}
		ft.entries.Add(keyID(key), e)
	}
	ft.mu.Unlock()

	offer := Offer{Peer: p, Authenticator: uuid.New(), BootID: bootID, Expiry: now.Add(ttl)}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.offeredBy {
		if existing.Peer == p {
			e.offeredBy[i] = offer
			return offer
		}
	}
	e.offeredBy = append(e.offeredBy, offer)
	return offer
}

// OfferCursor iterates a key's offers, live ones first, then expired ones,
// per spec.md §4.4.
type OfferCursor struct {
	e    *entry
	now  time.Time
	idx  int
	last int // index of the last offer returned by Next, or -1
}

// GetOffers returns a cursor over key's offers.
func (ft *FailureTable) GetOffers(key keys.Key) *OfferCursor {
	ft.mu.Lock()
	e, ok := ft.entries.Get(keyID(key))
	ft.mu.Unlock()
	if !ok {
		return &OfferCursor{last: -1}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ordered := make([]Offer, len(e.offeredBy))
	copy(ordered, e.offeredBy)
	now := time.Now()
	live := ordered[:0:0]
	var expired []Offer
	for _, o := range ordered {
		if o.expired(now) {
			expired = append(expired, o)
		} else {
			live = append(live, o)
		}
	}
	out := &entry{key: key, offeredBy: append(live, expired...)}
	return &OfferCursor{e: out, now: now, last: -1}
}

// Next advances the cursor and returns the next offer, or ok=false when
// exhausted.
func (c *OfferCursor) Next() (Offer, bool) {
	if c.e == nil || c.idx >= len(c.e.offeredBy) {
		return Offer{}, false
	}
	o := c.e.offeredBy[c.idx]
	c.last = c.idx
	c.idx++
	return o, true
}

// DeleteLastOffer drops the offer most recently returned by Next (fatal
// path: the offer was invalid or the transfer failed).
func (c *OfferCursor) DeleteLastOffer(ft *FailureTable, key keys.Key) {
	if c.last < 0 {
		return
	}
	dead := c.e.offeredBy[c.last]
	ft.mu.Lock()
	e, ok := ft.entries.Get(keyID(key))
	ft.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, o := range e.offeredBy {
		if o.Peer == dead.Peer && o.Authenticator == dead.Authenticator {
			e.offeredBy = append(e.offeredBy[:i], e.offeredBy[i+1:]...)
			return
		}
	}
}

// KeepLastOffer is a no-op marker for the transient path (remote overload):
// the offer stays in the table for a future attempt.
func (c *OfferCursor) KeepLastOffer() {}
