package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	SegmentHeaderSize = 10
	// SegmentPayloadSize is the number of payload bytes that fit in a single packet after the segment header
	SegmentPayloadSize = PacketPayloadSize - SegmentHeaderSize
)

type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagDATA
)

func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	names := make([]string, 0, 4)
	if f.Has(FlagSYN) {
		names = append(names, "SYN")
	}
	if f.Has(FlagACK) {
		names = append(names, "ACK")
	}
	if f.Has(FlagFIN) {
		names = append(names, "FIN")
	}
	if f.Has(FlagDATA) {
		names = append(names, "DATA")
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// Segment is a single transport protocol data unit.
//
// Wire layout (big-endian):
//
//	src_port(1) dest_port(1) seq(2) ack(2) window(2) flags(1) payload_size(1) payload(payload_size)
type Segment struct {
	SrcPort  uint8
	DestPort uint8
	Seq      uint16
	Ack      uint16
	Window   uint16
	Flags    Flags
	Payload  []byte
}

func (s Segment) String() string {
	return fmt.Sprintf("(%d->%d %s seq: %d, ack: %d, wnd: %d, len: %d)", s.SrcPort, s.DestPort, s.Flags, s.Seq, s.Ack, s.Window, len(s.Payload))
}

// Len returns the amount of sequence space the segment consumes
func (s Segment) Len() uint16 {
	l := uint16(len(s.Payload))
	if s.Flags.Has(FlagSYN) || s.Flags.Has(FlagFIN) {
		l++
	}
	return l
}

// EncodeSegment serializes the segment. It fails only when the payload does not fit in one segment.
func EncodeSegment(s Segment) ([]byte, error) {
	if len(s.Payload) > SegmentPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds segment capacity %d", ErrTooLarge, len(s.Payload), SegmentPayloadSize)
	}
	buf := make([]byte, SegmentHeaderSize+len(s.Payload))
	buf[0] = s.SrcPort
	buf[1] = s.DestPort
	binary.BigEndian.PutUint16(buf[2:], s.Seq)
	binary.BigEndian.PutUint16(buf[4:], s.Ack)
	binary.BigEndian.PutUint16(buf[6:], s.Window)
	buf[8] = byte(s.Flags)
	buf[9] = uint8(len(s.Payload))
	copy(buf[SegmentHeaderSize:], s.Payload)
	return buf, nil
}

// DecodeSegment parses a segment. Only the structure is checked, flag combinations are not validated.
func DecodeSegment(buf []byte) (Segment, error) {
	if len(buf) < SegmentHeaderSize {
		return Segment{}, fmt.Errorf("%w: segment of %d bytes is shorter than the header", ErrMalformed, len(buf))
	}
	size := int(buf[9])
	if size > SegmentPayloadSize {
		return Segment{}, fmt.Errorf("%w: payload size %d exceeds segment capacity", ErrMalformed, size)
	}
	if size != len(buf)-SegmentHeaderSize {
		return Segment{}, fmt.Errorf("%w: payload size %d, but %d bytes remain", ErrMalformed, size, len(buf)-SegmentHeaderSize)
	}
	seg := Segment{
		SrcPort:  buf[0],
		DestPort: buf[1],
		Seq:      binary.BigEndian.Uint16(buf[2:]),
		Ack:      binary.BigEndian.Uint16(buf[4:]),
		Window:   binary.BigEndian.Uint16(buf[6:]),
		Flags:    Flags(buf[8]),
	}
	if size > 0 {
		seg.Payload = make([]byte, size)
		copy(seg.Payload, buf[SegmentHeaderSize:])
	}
	return seg, nil
}
