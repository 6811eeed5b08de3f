// Package presence propagates peer location updates over a libp2p-pubsub
// topic (SPEC_FULL.md supplement #4, grounded on the teacher's go.mod
// dependency on github.com/libp2p/go-libp2p-pubsub — the real op-node tree
// uses this library for its block/tx gossip topics; here it carries a much
// smaller payload, one 8-byte location float per update).
package presence

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/007pig/fred-sub003/internal/location"
	"github.com/007pig/fred-sub003/internal/peer"
)

const TopicName = "/fred/presence/0.1.0"

// Gossip owns the subscription loop that applies peer location updates
// (spec.md §3: "current Location (mutable; peer may announce updates)") to
// the shared Registry, and publishes this node's own updates.
type Gossip struct {
	registry *peer.Registry
	identity map[libp2ppeer.ID]peer.Ref

	topic *pubsub.Topic
	sub   *pubsub.Subscription
	self  libp2ppeer.ID
}

// NewGossip joins TopicName on ps and begins applying inbound updates to
// registry. identity maps a libp2p peer identity back to its Ref in the
// registry; Gossip only reads it, and an update from an identity missing
// from it is ignored. internal/node passes an empty map and does not fill it.
func NewGossip(ctx context.Context, ps *pubsub.PubSub, self libp2ppeer.ID, registry *peer.Registry, identity map[libp2ppeer.ID]peer.Ref) (*Gossip, error) {
	topic, err := ps.Join(TopicName)
	if err != nil {
		return nil, fmt.Errorf("presence: joining topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("presence: subscribing: %w", err)
	}
	g := &Gossip{registry: registry, identity: identity, topic: topic, sub: sub, self: self}
	go g.loop(ctx)
	return g, nil
}

func (g *Gossip) loop(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription closed
		}
		if msg.ReceivedFrom == g.self {
			continue
		}
		loc, ok := decodeUpdate(msg.Data)
		if !ok {
			continue
		}
		if ref, known := g.identity[msg.ReceivedFrom]; known {
			if p, alive := g.registry.Get(ref); alive {
				p.SetLocation(loc)
			}
		}
	}
}

// Announce publishes this node's current location to every subscriber.
func (g *Gossip) Announce(ctx context.Context, loc location.Location) error {
	return g.topic.Publish(ctx, encodeUpdate(loc))
}

func (g *Gossip) Close() error {
	g.sub.Cancel()
	return g.topic.Close()
}

// encodeUpdate/decodeUpdate frame a location update as 8 bytes: the
// location's float64 bit pattern, big-endian. No header is needed since the
// topic carries nothing else.
func encodeUpdate(loc location.Location) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(float64(loc)))
	return buf
}

func decodeUpdate(raw []byte) (location.Location, bool) {
	if len(raw) != 8 {
		return 0, false
	}
	loc := location.Location(math.Float64frombits(binary.BigEndian.Uint64(raw)))
	if !loc.Valid() {
		return 0, false
	}
	return loc, true
}
