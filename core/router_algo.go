package core

import (
	"maps"
	"slices"

	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
)

type RouterEvent int

// trace events

const (
	RouteAdded RouterEvent = iota
	RouteImproved
	RouteRefreshed
	RouteExpired
)

// warn events

const (
	SelfRouteIgnored RouterEvent = iota + 1000
	CostOverflow
	InvalidAdvertisement
	PacketDropped
)

func (e RouterEvent) String() string {
	switch e {
	case RouteAdded:
		return "RouteAdded"
	case RouteImproved:
		return "RouteImproved"
	case RouteRefreshed:
		return "RouteRefreshed"
	case RouteExpired:
		return "RouteExpired"
	case SelfRouteIgnored:
		return "SelfRouteIgnored"
	case CostOverflow:
		return "CostOverflow"
	case InvalidAdvertisement:
		return "InvalidAdvertisement"
	case PacketDropped:
		return "PacketDropped"
	}
	return "RouterEvent(?)"
}

// Router is an interface that defines the side effects of the routing algorithm
type Router interface {
	Log(event RouterEvent, desc string, args ...any)
}

// Lookup returns the next hop towards dest. Expired entries are evicted eagerly by AgeRoutes, so every entry in the table is usable.
func Lookup(s *state.RouterState, dest state.NodeId) (state.NodeId, bool) {
	route, ok := s.Routes[dest]
	if !ok || route.TTL == 0 {
		return 0, false
	}
	return route.NextHop, true
}

// HandleAdvertisement applies the distance-vector update rule for an advertisement of dest at advCost received from sender.
// It reports whether routing changed: a route was created, or its next hop or cost changed.
// A refresh that only resets the TTL of the current route returns false.
func HandleAdvertisement(s *state.RouterState, r Router, sender state.NodeId, dest state.NodeId, advCost uint8) bool {
	if !sender.IsValid() || !dest.IsValid() || sender == s.Id {
		r.Log(InvalidAdvertisement, "ignored advertisement with invalid node", "sender", sender, "dest", dest)
		return false
	}
	if dest == s.Id {
		// no self routes
		r.Log(SelfRouteIgnored, "ignored advertisement for self", "sender", sender)
		return false
	}
	cost, ok := AddCost(advCost)
	if !ok {
		r.Log(CostOverflow, "ignored advertisement, cost overflow", "sender", sender, "dest", dest, "cost", advCost)
		return false
	}

	cur, exists := s.Routes[dest]
	newRoute := state.Route{
		Dest:    dest,
		NextHop: sender,
		Cost:    cost,
		TTL:     state.MaxRouteTTL,
	}

	switch {
	case !exists:
		s.Routes[dest] = newRoute
		s.Dirty = true
		r.Log(RouteAdded, "route added", "route", newRoute)
		return true
	case cost < cur.Cost || cost == cur.Cost && cur.NextHop != sender:
		// strictly better, or a tie, in which case the most recent advertisement wins
		s.Routes[dest] = newRoute
		s.Dirty = true
		r.Log(RouteImproved, "route improved", "old", cur, "new", newRoute)
		return true
	case cur.NextHop == sender:
		// the sender of our best path is still advertising it. keep the path alive, but never raise its cost
		cur.TTL = state.MaxRouteTTL
		s.Routes[dest] = cur
		r.Log(RouteRefreshed, "route refreshed", "route", cur)
		return false
	}
	return false
}

// AgeRoutes ages every route by one epoch, evicting the ones that expire
func AgeRoutes(s *state.RouterState, r Router) {
	for dest, route := range s.Routes {
		if route.TTL <= 1 {
			delete(s.Routes, dest)
			s.Dirty = true
			r.Log(RouteExpired, "route expired", "route", route)
			continue
		}
		route.TTL--
		s.Routes[dest] = route
	}
}

// Advertise returns the routes this node offers to its neighbours, starting with itself at cost 0
func Advertise(s *state.RouterState) []protocol.RouteEntry {
	entries := make([]protocol.RouteEntry, 0, len(s.Routes)+1)
	entries = append(entries, protocol.RouteEntry{
		Dest:    uint8(s.Id),
		NextHop: uint8(s.Id),
		Cost:    0,
		TTL:     state.MaxRouteTTL,
	})
	for _, dest := range slices.Sorted(maps.Keys(s.Routes)) {
		route := s.Routes[dest]
		entries = append(entries, protocol.RouteEntry{
			Dest:    uint8(route.Dest),
			NextHop: uint8(route.NextHop),
			Cost:    route.Cost,
			TTL:     route.TTL,
		})
	}
	return entries
}
