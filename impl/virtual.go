package impl

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/encodeous/motenet/state"
)

// ErrNodeOff is returned when sending from a node that was switched off
var ErrNodeOff = errors.New("node is switched off")

// VirtualLink is a directed radio edge between two nodes
type VirtualLink struct {
	Edge       state.Pair[state.NodeId, state.NodeId]
	PacketLoss float64
	Down       bool
}

func (v *VirtualLink) WithPacketLoss(loss float64) *VirtualLink {
	v.PacketLoss = loss
	return v
}

type frame struct {
	pkt  []byte
	from state.NodeId
}

// VirtualNetwork is an in-memory lossy radio network. Each node attaches a VirtualEndpoint as its link.
type VirtualNetwork struct {
	mu        sync.Mutex
	links     map[state.Pair[state.NodeId, state.NodeId]]*VirtualLink
	endpoints map[state.NodeId]*VirtualEndpoint
	rng       *rand.Rand
}

func NewVirtualNetwork(seed uint64) *VirtualNetwork {
	return &VirtualNetwork{
		links:     make(map[state.Pair[state.NodeId, state.NodeId]]*VirtualLink),
		endpoints: make(map[state.NodeId]*VirtualEndpoint),
		rng:       rand.New(rand.NewPCG(seed, seed^0x6d6f74656e6574)),
	}
}

// AddLink adds the directed edge from -> to, returning the existing one if present
func (v *VirtualNetwork) AddLink(from, to state.NodeId) *VirtualLink {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := state.Pair[state.NodeId, state.NodeId]{V1: from, V2: to}
	link, ok := v.links[key]
	if !ok {
		link = &VirtualLink{Edge: key}
		v.links[key] = link
	}
	return link
}

// Connect adds edges in both directions with the same loss
func (v *VirtualNetwork) Connect(a, b state.NodeId, loss float64) {
	v.AddLink(a, b).WithPacketLoss(loss)
	v.AddLink(b, a).WithPacketLoss(loss)
}

// SetLink brings both directions of an existing edge up or down
func (v *VirtualNetwork) SetLink(a, b state.NodeId, up bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	found := false
	for _, key := range []state.Pair[state.NodeId, state.NodeId]{{V1: a, V2: b}, {V1: b, V2: a}} {
		if link, ok := v.links[key]; ok {
			link.Down = !up
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no link between %d and %d", a, b)
	}
	return nil
}

// SetNode switches a node's radio on or off. A node that is off neither sends nor receives.
func (v *VirtualNetwork) SetNode(id state.NodeId, on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ep, ok := v.endpoints[id]; ok {
		ep.off = !on
	}
}

// Neighbours returns the nodes id has an up edge to, in ascending order
func (v *VirtualNetwork) Neighbours(id state.NodeId) []state.NodeId {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.neighbours(id)
}

func (v *VirtualNetwork) neighbours(id state.NodeId) []state.NodeId {
	res := make([]state.NodeId, 0)
	for key, link := range v.links {
		if key.V1 == id && !link.Down {
			res = append(res, key.V2)
		}
	}
	slices.Sort(res)
	return res
}

// Endpoint creates the link of node id
func (v *VirtualNetwork) Endpoint(id state.NodeId) *VirtualEndpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	ep := &VirtualEndpoint{
		id:    id,
		net:   v,
		inbox: make(chan frame, 1024),
		done:  make(chan struct{}),
	}
	v.endpoints[id] = ep
	return ep
}

func (v *VirtualNetwork) transmit(from, to state.NodeId, pkt []byte) {
	link, ok := v.links[state.Pair[state.NodeId, state.NodeId]{V1: from, V2: to}]
	if !ok || link.Down {
		return
	}
	if link.PacketLoss > 0 && v.rng.Float64() < link.PacketLoss {
		return
	}
	ep, ok := v.endpoints[to]
	if !ok || ep.off || ep.closed {
		return
	}
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case ep.inbox <- frame{buf, from}:
	default:
		// receiver is overwhelmed, the frame is lost
	}
}

// VirtualEndpoint is the state.Link of a node on a VirtualNetwork
type VirtualEndpoint struct {
	id      state.NodeId
	net     *VirtualNetwork
	inbox   chan frame
	done    chan struct{}
	wg      sync.WaitGroup
	off     bool
	closed  bool
	started bool
}

func (e *VirtualEndpoint) Start(recv func(pkt []byte, from state.NodeId)) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.started || e.closed {
		return errors.New("virtual endpoint already started")
	}
	e.started = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.done:
				return
			case f := <-e.inbox:
				recv(f.pkt, f.from)
			}
		}
	}()
	return nil
}

func (e *VirtualEndpoint) Send(nh state.NodeId, pkt []byte) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.closed {
		return errors.New("virtual endpoint closed")
	}
	if e.off {
		return ErrNodeOff
	}
	if nh == state.Broadcast {
		for _, to := range e.net.neighbours(e.id) {
			e.net.transmit(e.id, to, pkt)
		}
		return nil
	}
	e.net.transmit(e.id, nh, pkt)
	return nil
}

func (e *VirtualEndpoint) Close() error {
	e.net.mu.Lock()
	if e.closed {
		e.net.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.net.mu.Unlock()
	e.wg.Wait()
	return nil
}
