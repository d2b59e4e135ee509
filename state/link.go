package state

// Link is the radio abstraction the node sends and receives frames over.
// Implementations must be safe to call from any goroutine.
type Link interface {
	// Start begins delivering received frames to recv. recv may be called from any goroutine.
	Start(recv func(pkt []byte, from NodeId)) error
	// Send transmits pkt to the neighbour nh, or to every neighbour if nh is Broadcast
	Send(nh NodeId, pkt []byte) error
	Close() error
}
