package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/motenet/protocol"
	"github.com/encodeous/motenet/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type sentFrame struct {
	nh  state.NodeId
	pkt protocol.Packet
}

// recordLink captures every frame a node sends
type recordLink struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (l *recordLink) Start(recv func(pkt []byte, from state.NodeId)) error {
	return nil
}

func (l *recordLink) Send(nh state.NodeId, buf []byte) error {
	pkt, err := protocol.DecodePacket(buf)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sentFrame{nh, pkt})
	return nil
}

func (l *recordLink) Close() error {
	return nil
}

func (l *recordLink) Take() []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := l.sent
	l.sent = nil
	return res
}

// newTestNode builds node 1 without running it, so the test drives ticks and frames directly
func newTestNode(t *testing.T) (*state.State, *recordLink) {
	link := &recordLink{}
	n, err := NewNode(context.Background(), state.NodeCfg{
		Id:        1,
		TickDelay: time.Millisecond,
	}, link, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		Stop(n.State)
	})
	return n.State, link
}

func frame(t *testing.T, src, dest state.NodeId, ttl uint8, proto protocol.Proto, payload []byte) []byte {
	buf, err := protocol.EncodePacket(protocol.Packet{
		Src:      uint8(src),
		Dest:     uint8(dest),
		Seq:      1,
		TTL:      ttl,
		Protocol: proto,
		Payload:  payload,
	})
	require.NoError(t, err)
	return buf
}

func addRoute(s *state.State, dest, nh state.NodeId, cost uint8) {
	s.RouterState.Routes[dest] = state.Route{Dest: dest, NextHop: nh, Cost: cost, TTL: state.MaxRouteTTL}
}

func TestFirstTickAdvertises(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s, link := newTestNode(t)

	require.NoError(t, tick(s))
	sent := link.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, state.Broadcast, sent[0].nh)
	assert.Equal(t, protocol.ProtoRouting, sent[0].pkt.Protocol)
	assert.Equal(t, uint8(1), sent[0].pkt.TTL)
	assert.False(t, s.RouterState.Dirty)

	// nothing changed, so the next tick is silent
	require.NoError(t, tick(s))
	assert.Empty(t, link.Take())

	// tick 3 sends a beacon
	require.NoError(t, tick(s))
	sent = link.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ProtoNeighbour, sent[0].pkt.Protocol)
}

func TestNeighbourExpiry(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s, _ := newTestNode(t)
	neighbours := Get[*Neighbours](s)

	handleFrame(s, frame(t, 2, state.Broadcast, 1, protocol.ProtoNeighbour, nil), 2)
	handleFrame(s, frame(t, 3, state.Broadcast, 1, protocol.ProtoNeighbour, nil), 3)
	assert.Equal(t, []state.NodeId{2, 3}, neighbours.List())

	// frames that fail to decode still prove the sender is in range
	handleFrame(s, []byte{1}, 4)
	assert.Equal(t, []state.NodeId{2, 3, 4}, neighbours.List())

	require.Eventually(t, func() bool {
		handleFrame(s, frame(t, 2, state.Broadcast, 1, protocol.ProtoNeighbour, nil), 2)
		_ = tick(s)
		ids := neighbours.List()
		return len(ids) == 1 && ids[0] == 2
	}, time.Second, time.Millisecond)
}

func TestForwardTransit(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s, link := newTestNode(t)
	addRoute(s, 3, 4, 2)

	handleFrame(s, frame(t, 2, 3, 5, protocol.ProtoPing, []byte("x")), 2)
	sent := link.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, state.NodeId(4), sent[0].nh)
	assert.Equal(t, uint8(4), sent[0].pkt.TTL)
	assert.Equal(t, uint8(2), sent[0].pkt.Src)
	assert.Equal(t, []byte("x"), sent[0].pkt.Payload)

	// expired ttl
	handleFrame(s, frame(t, 2, 3, 1, protocol.ProtoPing, nil), 2)
	assert.Empty(t, link.Take())

	// no route
	handleFrame(s, frame(t, 2, 9, 5, protocol.ProtoPing, nil), 2)
	assert.Empty(t, link.Take())
}

func TestPingReply(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s, link := newTestNode(t)
	addRoute(s, 5, 2, 3)

	handleFrame(s, frame(t, 5, 1, 12, protocol.ProtoPing, []byte("hello")), 2)
	sent := link.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, state.NodeId(2), sent[0].nh)
	assert.Equal(t, protocol.ProtoPingReply, sent[0].pkt.Protocol)
	assert.Equal(t, uint8(5), sent[0].pkt.Dest)
	assert.Equal(t, uint8(protocol.MaxPacketTTL), sent[0].pkt.TTL)
	assert.Equal(t, []byte("hello"), sent[0].pkt.Payload)

	var replies []state.NodeId
	Get[*MeshRouter](s).OnPingReply = func(src state.NodeId, payload []byte) {
		replies = append(replies, src)
	}
	handleFrame(s, frame(t, 5, 1, 12, protocol.ProtoPingReply, nil), 2)
	assert.Equal(t, []state.NodeId{5}, replies)
}

func TestSendUnreachable(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s, link := newTestNode(t)
	err := Get[*MeshRouter](s).SendPing(7, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	err = Get[*MeshRouter](s).SendPing(state.Broadcast, nil)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Empty(t, link.Take())
}

func TestAdvertisementLearnsRoutes(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	s, _ := newTestNode(t)
	payload := protocol.EncodeRoutes([]protocol.RouteEntry{
		{Dest: 2, NextHop: 2, Cost: 0, TTL: state.MaxRouteTTL},
		{Dest: 6, NextHop: 3, Cost: 2, TTL: state.MaxRouteTTL},
		{Dest: 7, NextHop: 1, Cost: 1, TTL: state.MaxRouteTTL}, // reached through us, ignored
	})
	handleFrame(s, frame(t, 2, state.Broadcast, 1, protocol.ProtoRouting, payload), 2)

	assert.Equal(t, state.Route{Dest: 2, NextHop: 2, Cost: 1, TTL: state.MaxRouteTTL}, s.RouterState.Routes[2])
	assert.Equal(t, state.Route{Dest: 6, NextHop: 2, Cost: 3, TTL: state.MaxRouteTTL}, s.RouterState.Routes[6])
	assert.NotContains(t, s.RouterState.Routes, state.NodeId(7))

	// relayed advertisements are not trusted
	handleFrame(s, frame(t, 8, state.Broadcast, 1, protocol.ProtoRouting, payload), 3)
	assert.NotContains(t, s.RouterState.Routes, state.NodeId(8))
	assert.Equal(t, state.NodeId(2), s.RouterState.Routes[6].NextHop)
}

func TestTriggeredAdvertisement(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	link := &recordLink{}
	n, err := NewNode(context.Background(), state.NodeCfg{
		Id:        1,
		TickDelay: 10 * time.Millisecond,
	}, link, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		Stop(n.State)
	})
	s := n.State
	require.NoError(t, tick(s))
	link.Take()

	next := func() func(*state.State) error {
		select {
		case task := <-n.dispatch:
			return task
		case <-time.After(time.Second):
			t.Fatal("no update was scheduled")
			return nil
		}
	}
	advertise := func(dest state.NodeId) {
		payload := protocol.EncodeRoutes([]protocol.RouteEntry{{Dest: uint8(dest), NextHop: 2, Cost: 0, TTL: state.MaxRouteTTL}})
		handleFrame(s, frame(t, 2, state.Broadcast, 1, protocol.ProtoRouting, payload), 2)
	}

	// a burst of changes is advertised once, before the next tick
	advertise(2)
	advertise(3)
	task := next()
	select {
	case <-n.dispatch:
		t.Fatal("updates were not coalesced")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, task(s))
	sent := link.Take()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ProtoRouting, sent[0].pkt.Protocol)
	assert.False(t, s.RouterState.Dirty)

	// a refresh changes nothing and schedules nothing
	advertise(2)
	select {
	case <-n.dispatch:
		t.Fatal("refresh triggered an update")
	case <-time.After(50 * time.Millisecond):
	}

	// a tick that already advertised the change leaves the update with nothing to do
	advertise(4)
	task = next()
	require.NoError(t, tick(s))
	require.Len(t, link.Take(), 1)
	require.NoError(t, task(s))
	assert.Empty(t, link.Take())
}
