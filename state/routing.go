package state

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type NodeId uint8

func (n NodeId) IsValid() bool {
	return n != 0 && n != Broadcast
}

// Route is a single entry of the route table
type Route struct {
	Dest    NodeId
	NextHop NodeId
	Cost    uint8
	TTL     uint8
}

func (r Route) String() string {
	return fmt.Sprintf("%d via (nh: %d, cost: %d, ttl: %d)", r.Dest, r.NextHop, r.Cost, r.TTL)
}

// RouterState is the route table of a node. It is owned by the router and must only be mutated by it.
type RouterState struct {
	Id     NodeId
	Routes map[NodeId]Route
	// Dirty is set when a route changed since the last advertisement
	Dirty bool
}

func NewRouterState(id NodeId) *RouterState {
	return &RouterState{
		Id:     id,
		Routes: make(map[NodeId]Route),
	}
}

func (s *RouterState) StringRoutes() string {
	buf := make([]string, 0, len(s.Routes))
	for _, dest := range slices.Sorted(maps.Keys(s.Routes)) {
		buf = append(buf, s.Routes[dest].String())
	}
	return strings.Join(buf, "\n")
}
