package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub003/internal/location"
)

func addPeer(r *Registry, loc location.Location) *PeerNode {
	p := New(0, "", loc)
	r.Add(p)
	p.SetState(Connected)
	return p
}

func TestClosestPeerPicksMinDistance(t *testing.T) {
	r := NewRegistry()
	pA := addPeer(r, 0.1)
	pB := addPeer(r, 0.5)
	pC := addPeer(r, 0.91)

	s := NewSelector(r)
	best, _ := s.ClosestPeer(0, nil, nil, 0.9, DefaultOptions())
	require.Equal(t, pC.ID(), best.ID())
	require.NotEqual(t, pA.ID(), best.ID())
	require.NotEqual(t, pB.ID(), best.ID())
}

func TestClosestPeerExcludesVisitedAndUnroutable(t *testing.T) {
	r := NewRegistry()
	pA := addPeer(r, 0.2)
	pB := addPeer(r, 0.21)
	pB.SetState(Disconnecting)

	s := NewSelector(r)
	visited := map[Ref]bool{pA.ID(): true}
	best, _ := s.ClosestPeer(0, visited, nil, 0.2, DefaultOptions())
	require.Nil(t, best, "both the visited and the unroutable peer must be excluded")
}

func TestClosestPeerTieBreaksByLowerID(t *testing.T) {
	r := NewRegistry()
	p1 := addPeer(r, 0.4)
	p2 := addPeer(r, 0.6)
	// both equidistant from 0.5
	s := NewSelector(r)
	best, _ := s.ClosestPeer(0, nil, nil, 0.5, DefaultOptions())
	if p1.ID() < p2.ID() {
		require.Equal(t, p1.ID(), best.ID())
	} else {
		require.Equal(t, p2.ID(), best.ID())
	}
}

func TestClosestPeerRespectsMaxDistance(t *testing.T) {
	r := NewRegistry()
	addPeer(r, 0.9)
	s := NewSelector(r)
	opts := DefaultOptions()
	opts.MaxDistance = 0.01
	best, _ := s.ClosestPeer(0, nil, nil, 0.5, opts)
	require.Nil(t, best)
}

func TestClosestPeerReturnsNoneWhenEmpty(t *testing.T) {
	r := NewRegistry()
	s := NewSelector(r)
	best, bnt := s.ClosestPeer(0, nil, nil, 0.5, DefaultOptions())
	require.Nil(t, best)
	require.Nil(t, bnt)
}

func TestClosestPeerBestNotTaken(t *testing.T) {
	r := NewRegistry()
	addPeer(r, 0.50) // chosen
	addPeer(r, 0.52)
	addPeer(r, 0.55)
	s := NewSelector(r)
	opts := DefaultOptions()
	opts.BestNotTakenN = 2
	best, bnt := s.ClosestPeer(0, nil, nil, 0.5, opts)
	require.NotNil(t, best)
	require.Len(t, bnt, 2)
}
