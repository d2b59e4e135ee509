package protocol

import "fmt"

const (
	RouteEntrySize = 4
	// RoutesPerPacket is the number of advertisement entries that fit in one packet
	RoutesPerPacket = PacketPayloadSize / RouteEntrySize
)

// RouteEntry is one advertised route, encoded as dest(1) next_hop(1) cost(1) ttl(1)
type RouteEntry struct {
	Dest    uint8
	NextHop uint8
	Cost    uint8
	TTL     uint8
}

func EncodeRoutes(entries []RouteEntry) []byte {
	buf := make([]byte, 0, len(entries)*RouteEntrySize)
	for _, e := range entries {
		buf = append(buf, e.Dest, e.NextHop, e.Cost, e.TTL)
	}
	return buf
}

func DecodeRoutes(buf []byte) ([]RouteEntry, error) {
	if len(buf)%RouteEntrySize != 0 {
		return nil, fmt.Errorf("%w: route advertisement of %d bytes is not a multiple of %d", ErrMalformed, len(buf), RouteEntrySize)
	}
	entries := make([]RouteEntry, 0, len(buf)/RouteEntrySize)
	for i := 0; i < len(buf); i += RouteEntrySize {
		entries = append(entries, RouteEntry{
			Dest:    buf[i],
			NextHop: buf[i+1],
			Cost:    buf[i+2],
			TTL:     buf[i+3],
		})
	}
	return entries, nil
}
