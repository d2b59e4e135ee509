package state

import "time"

const (
	// MaxRouteTTL is the number of routing epochs a route survives without being refreshed
	MaxRouteTTL = 20
	// MaxCost is the largest representable route cost
	MaxCost = ^(uint8)(0)
	// Broadcast addresses every node in radio range
	Broadcast NodeId = 0xFF
)

var (
	TickDelay      = time.Second
	AdvertiseTicks = 5
	BeaconTicks    = 3

	// transport defaults
	RetransmitLimit = 5
	RetransmitTicks = 2
	// MaxBackoffShift caps the exponential retransmission backoff at RetransmitTicks << MaxBackoffShift
	MaxBackoffShift = 3
	RecvBuffer      = 128
	LingerTicks     = 20
	// IdleTicks is how long a connection survives without hearing from its peer
	IdleTicks = 120

	// ephemeral ports used for active opens without an explicit local port
	EphemeralPortMin = uint8(128)
	EphemeralPortMax = uint8(254)

	DefaultPort = 57180
)
