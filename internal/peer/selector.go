package peer

import (
	"math"
	"sort"

	"golang.org/x/exp/slices"

	"github.com/007pig/fred-sub003/internal/location"
)

// Selector implements C3: picking the next peer to route a request to. It
// unifies the two closer_peer overloads spec.md §9 flags as divergent in the
// original source into a single, most-general form.
type Selector struct {
	registry *Registry
}

func NewSelector(r *Registry) *Selector {
	return &Selector{registry: r}
}

// Registry exposes the underlying peer arena for callers (e.g. RequestSender's
// offered-key sweep) that need to resolve a bare Ref outside of a ClosestPeer
// call.
func (s *Selector) Registry() *Registry { return s.registry }

// Options configures one ClosestPeer call. MaxDistance of +Inf disables the
// distance cutoff. BestNotTakenN bounds how many runner-up locations are
// reported back for probe-style routing.
type Options struct {
	MaxDistance   float64
	BestNotTakenN int
}

func DefaultOptions() Options {
	return Options{MaxDistance: math.Inf(1), BestNotTakenN: 0}
}

// ClosestPeer returns the connected, non-excluded peer minimizing distance
// to target, per spec.md §4.1/§4.3. source and every Ref in visited/ignored
// are excluded. Ties are broken by numerically smaller Ref. bestNotTaken, if
// opts.BestNotTakenN > 0, is populated with up to that many runner-up
// locations (deduplicated, excluding the chosen peer).
func (s *Selector) ClosestPeer(source Ref, visited, ignored map[Ref]bool, target location.Location, opts Options) (best *PeerNode, bestNotTaken []location.Location) {
	type candidate struct {
		p   *PeerNode
		dst float64
	}
	var candidates []candidate

	for _, p := range s.registry.All() {
		if p.ID() == source || visited[p.ID()] || ignored[p.ID()] {
			continue
		}
		if !p.Routable() {
			continue
		}
		d := location.Distance(target, p.Location())
		if !math.IsInf(opts.MaxDistance, 1) && d > opts.MaxDistance {
			continue
		}
		candidates = append(candidates, candidate{p: p, dst: d})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dst != candidates[j].dst {
			return candidates[i].dst < candidates[j].dst
		}
		return candidates[i].p.ID() < candidates[j].p.ID()
	})

	best = candidates[0].p

	if opts.BestNotTakenN > 0 {
		seen := map[location.Location]bool{best.Location(): true}
		for _, c := range candidates[1:] {
			loc := c.p.Location()
			if seen[loc] {
				continue
			}
			seen[loc] = true
			bestNotTaken = append(bestNotTaken, loc)
			if len(bestNotTaken) >= opts.BestNotTakenN {
				break
			}
		}
		slices.Sort(bestNotTaken)
	}
	return best, bestNotTaken
}
