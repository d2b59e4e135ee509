package core

import (
	"fmt"

	"github.com/encodeous/motenet/perf"
	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
)

// PacketHandler receives packets addressed to this node (or broadcast) for a single protocol. from is the neighbour the frame was heard from.
type PacketHandler func(pkt protocol.Packet, from state.NodeId)

// MeshRouter owns the route table. It delivers local packets, forwards transit packets and exchanges route advertisements.
type MeshRouter struct {
	*state.State
	handlers map[protocol.Proto]PacketHandler
	seq      uint16
	// a triggered update is scheduled and has not run yet
	triggered bool
	// OnPingReply, if set, is called for every ping reply received
	OnPingReply func(src state.NodeId, payload []byte)
}

func (r *MeshRouter) Init(s *state.State) error {
	s.Log.Debug("init router")
	r.State = s
	r.handlers = make(map[protocol.Proto]PacketHandler)
	s.RouterState = state.NewRouterState(s.NodeCfg.Id)
	// announce ourselves on the first tick
	s.RouterState.Dirty = true

	r.Handle(protocol.ProtoRouting, r.handleAdvertisement)
	r.Handle(protocol.ProtoPing, r.handlePing)
	r.Handle(protocol.ProtoPingReply, r.handlePingReply)
	return nil
}

func (r *MeshRouter) Cleanup(s *state.State) error {
	r.handlers = nil
	return nil
}

// Handle registers the handler for a protocol, replacing any previous one
func (r *MeshRouter) Handle(proto protocol.Proto, handler PacketHandler) {
	r.handlers[proto] = handler
}

func (r *MeshRouter) Log(event RouterEvent, desc string, args ...any) {
	r.Env.Log.Debug(fmt.Sprintf("%s %s", event.String(), desc), args...)
}

func (r *MeshRouter) drop(desc string, args ...any) {
	perf.DroppedPackets.Add(1)
	r.Log(PacketDropped, desc, args...)
}

// Tick ages the route table and sends advertisements, periodically or when the table changed
func (r *MeshRouter) Tick(s *state.State) error {
	AgeRoutes(s.RouterState, r)
	if s.Ticks%uint64(s.AdvertiseTicks) == 0 || s.RouterState.Dirty {
		return r.BroadcastRoutes()
	}
	return nil
}

// BroadcastRoutes advertises the whole route table to every neighbour
func (r *MeshRouter) BroadcastRoutes() error {
	entries := Advertise(r.RouterState)
	for i := 0; i < len(entries); i += protocol.RoutesPerPacket {
		chunk := entries[i:min(i+protocol.RoutesPerPacket, len(entries))]
		if err := r.Broadcast(protocol.ProtoRouting, protocol.EncodeRoutes(chunk)); err != nil {
			return err
		}
	}
	r.RouterState.Dirty = false
	return nil
}

// HandleFrame processes a packet received from the neighbour from. Malformed or undeliverable packets are dropped.
func (r *MeshRouter) HandleFrame(buf []byte, from state.NodeId) {
	perf.RecvPacketPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(buf)))

	pkt, err := protocol.DecodePacket(buf)
	if err != nil {
		r.drop("malformed packet", "from", from, "error", err)
		return
	}
	dest := state.NodeId(pkt.Dest)
	if dest == r.Id || dest == state.Broadcast {
		handler, ok := r.handlers[pkt.Protocol]
		if !ok {
			r.drop("no handler for protocol", "pkt", pkt)
			return
		}
		handler(pkt, from)
		return
	}

	// transit
	if pkt.TTL <= 1 {
		r.drop("packet ttl expired", "pkt", pkt)
		return
	}
	pkt.TTL--
	nh, ok := Lookup(r.RouterState, dest)
	if !ok {
		r.drop("no route to forward packet", "pkt", pkt)
		return
	}
	if err := r.sendPacket(nh, pkt); err != nil {
		r.drop("failed to forward packet", "pkt", pkt, "nh", nh, "error", err)
		return
	}
	perf.ForwardedPackets.Add(1)
}

// SendPacket originates a packet towards dest, returning ErrUnreachable if there is no route
func (r *MeshRouter) SendPacket(dest state.NodeId, proto protocol.Proto, payload []byte) error {
	if !dest.IsValid() {
		return fmt.Errorf("cannot send to node %d: %w", dest, ErrUnreachable)
	}
	nh, ok := Lookup(r.RouterState, dest)
	if !ok {
		return fmt.Errorf("no route to %d: %w", dest, ErrUnreachable)
	}
	return r.sendPacket(nh, r.newPacket(dest, protocol.MaxPacketTTL, proto, payload))
}

// Broadcast sends a single hop packet to every neighbour
func (r *MeshRouter) Broadcast(proto protocol.Proto, payload []byte) error {
	return r.sendPacket(state.Broadcast, r.newPacket(state.Broadcast, 1, proto, payload))
}

func (r *MeshRouter) newPacket(dest state.NodeId, ttl uint8, proto protocol.Proto, payload []byte) protocol.Packet {
	r.seq++
	return protocol.Packet{
		Src:      uint8(r.Id),
		Dest:     uint8(dest),
		Seq:      r.seq,
		TTL:      ttl,
		Protocol: proto,
		Payload:  payload,
	}
}

func (r *MeshRouter) sendPacket(nh state.NodeId, pkt protocol.Packet) error {
	buf, err := protocol.EncodePacket(pkt)
	if err != nil {
		return err
	}
	if err := r.Link.Send(nh, buf); err != nil {
		return fmt.Errorf("link send to %d: %w", nh, err)
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(len(buf)))
	return nil
}

func (r *MeshRouter) handleAdvertisement(pkt protocol.Packet, from state.NodeId) {
	if state.NodeId(pkt.Src) != from {
		r.drop("advertisement was relayed", "pkt", pkt, "from", from)
		return
	}
	entries, err := protocol.DecodeRoutes(pkt.Payload)
	if err != nil {
		r.drop("malformed advertisement", "from", from, "error", err)
		return
	}
	changed := false
	for _, entry := range entries {
		if state.NodeId(entry.NextHop) == r.Id {
			// split horizon, the sender reaches this destination through us
			continue
		}
		if HandleAdvertisement(r.RouterState, r, from, state.NodeId(entry.Dest), entry.Cost) {
			changed = true
		}
	}
	if changed && !r.triggered {
		// half a tick coalesces the rest of the sender's advertisement into one update
		r.triggered = true
		r.ScheduleTask(r.triggeredUpdate, r.TickDelay/2)
	}
}

// triggeredUpdate advertises a changed route table ahead of the next tick
func (r *MeshRouter) triggeredUpdate(s *state.State) error {
	r.triggered = false
	if !s.RouterState.Dirty {
		// a tick got there first
		return nil
	}
	if err := r.BroadcastRoutes(); err != nil {
		r.Env.Log.Warn("failed to send triggered update", "error", err)
	}
	return nil
}

// SendPing sends an echo request to dest
func (r *MeshRouter) SendPing(dest state.NodeId, payload []byte) error {
	return r.SendPacket(dest, protocol.ProtoPing, payload)
}

func (r *MeshRouter) handlePing(pkt protocol.Packet, from state.NodeId) {
	src := state.NodeId(pkt.Src)
	r.Env.Log.Info("received ping", "src", src, "seq", pkt.Seq, "ttl", pkt.TTL)
	if err := r.SendPacket(src, protocol.ProtoPingReply, pkt.Payload); err != nil {
		r.Env.Log.Warn("failed to reply to ping", "src", src, "error", err)
	}
}

func (r *MeshRouter) handlePingReply(pkt protocol.Packet, from state.NodeId) {
	src := state.NodeId(pkt.Src)
	r.Env.Log.Info("received ping reply", "src", src, "seq", pkt.Seq, "hops", protocol.MaxPacketTTL-pkt.TTL+1)
	if r.OnPingReply != nil {
		r.OnPingReply(src, pkt.Payload)
	}
}
