package core

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/encodeous/motenet/perf"
	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
)

// Transport multiplexes reliable connections over the mesh, keyed by local port, remote node and remote port
type Transport struct {
	out       Transmitter
	cfg       state.TransportCfg
	log       *slog.Logger
	conns     map[ConnKey]*Conn
	listeners map[uint8]ConnHandler
	nextId    int
	shutdown  bool
}

// NewTransport creates a transport that sends its segments through out
func NewTransport(out Transmitter, cfg state.TransportCfg, log *slog.Logger) *Transport {
	return &Transport{
		out:       out,
		cfg:       cfg,
		log:       log,
		conns:     make(map[ConnKey]*Conn),
		listeners: make(map[uint8]ConnHandler),
	}
}

func (t *Transport) Init(s *state.State) error {
	s.Log.Debug("init transport")
	r := Get[*MeshRouter](s)
	*t = *NewTransport(r, s.Transport, s.Log.With("module", "transport"))
	r.Handle(protocol.ProtoTransport, t.handlePacket)
	return nil
}

// Cleanup aborts every connection, cancelling all pending retransmissions
func (t *Transport) Cleanup(s *state.State) error {
	t.shutdown = true
	for _, c := range t.Connections() {
		c.abort(ErrShutdown)
	}
	clear(t.listeners)
	return nil
}

// Transmit encodes the segment and sends it to the transport of dest
func (r *MeshRouter) Transmit(dest state.NodeId, seg protocol.Segment) error {
	buf, err := protocol.EncodeSegment(seg)
	if err != nil {
		return err
	}
	return r.SendPacket(dest, protocol.ProtoTransport, buf)
}

func (t *Transport) handlePacket(pkt protocol.Packet, from state.NodeId) {
	if state.NodeId(pkt.Dest) == state.Broadcast {
		t.log.Debug("dropped broadcast segment", "pkt", pkt)
		return
	}
	seg, err := protocol.DecodeSegment(pkt.Payload)
	if err != nil {
		t.log.Debug("dropped malformed segment", "pkt", pkt, "error", err)
		return
	}
	perf.RecvSegments.Add(1)
	t.Dispatch(seg, state.NodeId(pkt.Src))
}

// Dispatch delivers a segment from node src to its connection. An unmatched SYN to a listening port opens a new connection, anything else unmatched is dropped.
func (t *Transport) Dispatch(seg protocol.Segment, src state.NodeId) {
	key := ConnKey{
		LocalPort:  seg.DestPort,
		RemoteNode: src,
		RemotePort: seg.SrcPort,
	}
	if c, ok := t.conns[key]; ok {
		c.handle(seg)
		return
	}
	handler, listening := t.listeners[seg.DestPort]
	if t.shutdown || !listening || !seg.Flags.Has(protocol.FlagSYN) || seg.Flags.Has(protocol.FlagACK) {
		t.log.Debug("dropped unmatched segment", "src", src, "seg", seg)
		return
	}
	c := t.add(key, handler)
	c.setState(StateListen)
	c.handle(seg)
}

func (t *Transport) add(key ConnKey, handler ConnHandler) *Conn {
	c := newConn(key, t.cfg, t.out, handler, t.log)
	t.nextId++
	c.Id = t.nextId
	c.onRelease = t.remove
	t.conns[key] = c
	return c
}

func (t *Transport) remove(c *Conn) {
	if cur, ok := t.conns[c.ConnKey]; ok && cur == c {
		delete(t.conns, c.ConnKey)
	}
}

// Listen accepts connections on port, reporting their events to handler
func (t *Transport) Listen(port uint8, handler ConnHandler) error {
	if t.shutdown {
		return ErrShutdown
	}
	if _, ok := t.listeners[port]; ok {
		return fmt.Errorf("listen on %d: %w", port, ErrPortInUse)
	}
	t.listeners[port] = handler
	t.log.Debug("listening", "port", port)
	return nil
}

// Unlisten stops accepting connections on port. Established connections are unaffected.
func (t *Transport) Unlisten(port uint8) {
	delete(t.listeners, port)
}

func (t *Transport) portUsed(port uint8) bool {
	if _, ok := t.listeners[port]; ok {
		return true
	}
	for key := range t.conns {
		if key.LocalPort == port {
			return true
		}
	}
	return false
}

// Connect actively opens a connection to remotePort on remote. A localPort of 0 picks a free ephemeral port.
func (t *Transport) Connect(localPort uint8, remote state.NodeId, remotePort uint8, handler ConnHandler) (*Conn, error) {
	if t.shutdown {
		return nil, ErrShutdown
	}
	if localPort == 0 {
		for p := state.EphemeralPortMin; p <= state.EphemeralPortMax; p++ {
			if !t.portUsed(p) {
				localPort = p
				break
			}
		}
		if localPort == 0 {
			return nil, fmt.Errorf("no free ephemeral port: %w", ErrPortInUse)
		}
	}
	key := ConnKey{
		LocalPort:  localPort,
		RemoteNode: remote,
		RemotePort: remotePort,
	}
	if _, ok := t.conns[key]; ok {
		return nil, fmt.Errorf("connect %s: %w", key, ErrPortInUse)
	}
	c := t.add(key, handler)
	if err := c.open(); err != nil {
		t.remove(c)
		return nil, fmt.Errorf("connect %s: %w", key, err)
	}
	return c, nil
}

// Conn returns the live connection with the given id, or nil
func (t *Transport) Conn(id int) *Conn {
	for _, c := range t.conns {
		if c.Id == id {
			return c
		}
	}
	return nil
}

// Connections returns the live connections ordered by id
func (t *Transport) Connections() []*Conn {
	return slices.SortedFunc(maps.Values(t.conns), func(a, b *Conn) int {
		return cmp.Compare(a.Id, b.Id)
	})
}

// Tick advances the timers of every connection
func (t *Transport) Tick(s *state.State) error {
	for _, c := range t.Connections() {
		c.tick()
	}
	return nil
}
