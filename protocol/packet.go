package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	PacketHeaderSize  = 6
	PacketPayloadSize = 20
	// MaxPacketTTL bounds how many hops a packet may take before it is dropped
	MaxPacketTTL = 15
	// BroadcastAddr is delivered to every node in radio range
	BroadcastAddr = 0xFF
)

type Proto uint8

const (
	ProtoPing Proto = iota
	ProtoPingReply
	ProtoRouting
	ProtoNeighbour
	ProtoTransport
)

func (p Proto) String() string {
	switch p {
	case ProtoPing:
		return "ping"
	case ProtoPingReply:
		return "ping-reply"
	case ProtoRouting:
		return "routing"
	case ProtoNeighbour:
		return "neighbour"
	case ProtoTransport:
		return "transport"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// Packet is the network layer unit forwarded hop by hop through the mesh.
//
// Wire layout (big-endian):
//
//	src(1) dest(1) seq(2) ttl(1) protocol(1) payload(<= PacketPayloadSize)
type Packet struct {
	Src      uint8
	Dest     uint8
	Seq      uint16
	TTL      uint8
	Protocol Proto
	Payload  []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("(%d->%d %s seq: %d, ttl: %d, len: %d)", p.Src, p.Dest, p.Protocol, p.Seq, p.TTL, len(p.Payload))
}

func EncodePacket(p Packet) ([]byte, error) {
	if len(p.Payload) > PacketPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds packet capacity %d", ErrTooLarge, len(p.Payload), PacketPayloadSize)
	}
	buf := make([]byte, PacketHeaderSize+len(p.Payload))
	buf[0] = p.Src
	buf[1] = p.Dest
	binary.BigEndian.PutUint16(buf[2:], p.Seq)
	buf[4] = p.TTL
	buf[5] = byte(p.Protocol)
	copy(buf[PacketHeaderSize:], p.Payload)
	return buf, nil
}

func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) < PacketHeaderSize {
		return Packet{}, fmt.Errorf("%w: packet of %d bytes is shorter than the header", ErrMalformed, len(buf))
	}
	if len(buf)-PacketHeaderSize > PacketPayloadSize {
		return Packet{}, fmt.Errorf("%w: packet payload of %d bytes exceeds capacity", ErrMalformed, len(buf)-PacketHeaderSize)
	}
	p := Packet{
		Src:      buf[0],
		Dest:     buf[1],
		Seq:      binary.BigEndian.Uint16(buf[2:]),
		TTL:      buf[4],
		Protocol: Proto(buf[5]),
	}
	if len(buf) > PacketHeaderSize {
		p.Payload = make([]byte, len(buf)-PacketHeaderSize)
		copy(p.Payload, buf[PacketHeaderSize:])
	}
	return p, nil
}
