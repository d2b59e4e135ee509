package core

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
	"github.com/stretchr/testify/require"
)

func testTransportCfg() state.TransportCfg {
	return state.TransportCfg{
		RetransmitLimit: 5,
		RetransmitTicks: 2,
		RecvBuffer:      128,
		LingerTicks:     20,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type SentSegment struct {
	Dest state.NodeId
	Seg  protocol.Segment
}

// TransportHarness records every segment a transport transmits. If Routes is set, destinations without a route are unreachable.
type TransportHarness struct {
	Routes *state.RouterState
	sent   []SentSegment
}

func (h *TransportHarness) Transmit(dest state.NodeId, seg protocol.Segment) error {
	if h.Routes != nil {
		if _, ok := Lookup(h.Routes, dest); !ok {
			return fmt.Errorf("no route to %d: %w", dest, ErrUnreachable)
		}
	}
	h.sent = append(h.sent, SentSegment{dest, seg})
	return nil
}

// Take returns the segments sent since the last call
func (h *TransportHarness) Take() []protocol.Segment {
	segs := make([]protocol.Segment, 0, len(h.sent))
	for _, s := range h.sent {
		segs = append(segs, s.Seg)
	}
	h.sent = nil
	return segs
}

// connRecorder counts the events of every connection it handles
type connRecorder struct {
	established int
	readable    int
	writable    int
	closed      int
	closeErr    error
	conns       []*Conn
	// if set, Recv is called on every readable event and the data appended here
	autoRead bool
	data     []byte
}

func (r *connRecorder) OnEstablished(c *Conn) {
	r.established++
	r.conns = append(r.conns, c)
}

func (r *connRecorder) OnReadable(c *Conn) {
	r.readable++
	if r.autoRead {
		r.data = append(r.data, c.Recv()...)
	}
}

func (r *connRecorder) OnWritable(c *Conn) {
	r.writable++
}

func (r *connRecorder) OnClosed(c *Conn, err error) {
	r.closed++
	r.closeErr = err
}

// establish actively opens a connection from port 5 to 2:7 and completes the handshake with a synthetic SYN-ACK
func establish(t *testing.T, tr *Transport, h *TransportHarness, handler ConnHandler, window uint16) *Conn {
	t.Helper()
	c, err := tr.Connect(5, 2, 7, handler)
	require.NoError(t, err)
	tr.Dispatch(protocol.Segment{SrcPort: 7, DestPort: 5, Seq: 0, Ack: 1, Window: window, Flags: protocol.FlagSYN | protocol.FlagACK}, 2)
	require.Equal(t, StateEstablished, c.State())
	h.Take()
	return c
}

type delivery struct {
	to   *Transport
	from state.NodeId
	seg  protocol.Segment
}

// TransportPair connects transports of node 1 (A) and node 2 (B) through an in-memory queue
type TransportPair struct {
	A, B  *Transport
	queue []delivery
	// Drop, if set, decides whether a segment is lost
	Drop func(from state.NodeId, seg protocol.Segment) bool
}

type pairEnd struct {
	p    *TransportPair
	self state.NodeId
}

func (e pairEnd) Transmit(dest state.NodeId, seg protocol.Segment) error {
	var to *Transport
	switch dest {
	case 1:
		to = e.p.A
	case 2:
		to = e.p.B
	default:
		return fmt.Errorf("no route to %d: %w", dest, ErrUnreachable)
	}
	if e.p.Drop != nil && e.p.Drop(e.self, seg) {
		return nil
	}
	e.p.queue = append(e.p.queue, delivery{to, e.self, seg})
	return nil
}

func NewTransportPair(cfg state.TransportCfg) *TransportPair {
	p := &TransportPair{}
	p.A = NewTransport(pairEnd{p, 1}, cfg, testLogger())
	p.B = NewTransport(pairEnd{p, 2}, cfg, testLogger())
	return p
}

// Flush delivers queued segments until the network is quiet
func (p *TransportPair) Flush(t *testing.T) {
	t.Helper()
	for i := 0; len(p.queue) > 0; i++ {
		require.Less(t, i, 10000, "segment storm")
		d := p.queue[0]
		p.queue = p.queue[1:]
		d.to.Dispatch(d.seg, d.from)
	}
}

// Tick advances both transports by one tick and delivers the result
func (p *TransportPair) Tick(t *testing.T) {
	t.Helper()
	require.NoError(t, p.A.Tick(nil))
	require.NoError(t, p.B.Tick(nil))
	p.Flush(t)
}
