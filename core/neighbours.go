package core

import (
	"context"
	"slices"
	"time"

	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
	"github.com/jellydator/ttlcache/v3"
)

// Neighbours tracks the nodes currently in radio range. A neighbour is kept while any frame is heard from it.
type Neighbours struct {
	*state.State
	// value is the tick the neighbour was last heard on
	table       *ttlcache.Cache[state.NodeId, uint64]
	unsubscribe func()
}

func (n *Neighbours) Init(s *state.State) error {
	s.Log.Debug("init neighbours")
	n.State = s
	ttl := time.Duration(NeighbourTTL(s)) * s.TickDelay
	n.table = ttlcache.New[state.NodeId, uint64](
		ttlcache.WithTTL[state.NodeId, uint64](ttl),
		ttlcache.WithDisableTouchOnHit[state.NodeId, uint64](),
	)
	log := s.Log
	n.unsubscribe = n.table.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[state.NodeId, uint64]) {
		if reason == ttlcache.EvictionReasonExpired {
			log.Info("neighbour lost", "id", item.Key(), "last_heard", item.Value())
		}
	})
	Get[*MeshRouter](s).Handle(protocol.ProtoNeighbour, n.handleBeacon)
	return nil
}

func (n *Neighbours) Cleanup(s *state.State) error {
	n.unsubscribe()
	n.table.DeleteAll()
	return nil
}

// NeighbourTTL is the number of ticks a silent neighbour is remembered for
func NeighbourTTL(s *state.State) int {
	return 4 * s.BeaconTicks
}

// Heard refreshes id in the neighbour table
func (n *Neighbours) Heard(id state.NodeId) {
	if !id.IsValid() || id == n.Id {
		return
	}
	if !n.table.Has(id) {
		n.Env.Log.Info("neighbour discovered", "id", id)
	}
	n.table.Set(id, n.Ticks, ttlcache.DefaultTTL)
}

// List returns the live neighbours in ascending order
func (n *Neighbours) List() []state.NodeId {
	ids := n.table.Keys()
	slices.Sort(ids)
	return ids
}

func (n *Neighbours) Tick(s *state.State) error {
	n.table.DeleteExpired()
	if s.Ticks%uint64(s.BeaconTicks) == 0 {
		return Get[*MeshRouter](s).Broadcast(protocol.ProtoNeighbour, nil)
	}
	return nil
}

func (n *Neighbours) handleBeacon(pkt protocol.Packet, from state.NodeId) {
	n.Env.Log.Debug("neighbour beacon", "from", from)
}
