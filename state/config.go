package state

import (
	"net/netip"
	"time"
)

// LinkCfg describes a neighbour that is reachable over the link layer
type LinkCfg struct {
	Id   NodeId
	Addr netip.AddrPort
}

type TransportCfg struct {
	RetransmitLimit int `yaml:"retransmit_limit,omitempty"` // consecutive retransmissions before a connection times out
	RetransmitTicks int `yaml:"retransmit_ticks,omitempty"` // initial retransmission timeout
	RecvBuffer      int `yaml:"recv_buffer,omitempty"`      // receive buffer per connection, in bytes
	LingerTicks     int `yaml:"linger_ticks,omitempty"`     // how long to wait for the peer's FIN after ours was acknowledged
	IdleTicks       int `yaml:"idle_ticks,omitempty"`       // silence after which the peer is presumed gone
}

// NodeCfg represents local node-level configuration
type NodeCfg struct {
	Id             NodeId                                            // unique id for this node, 1-254
	Bind           netip.AddrPort `yaml:",omitempty"`                // UDP address the link layer listens on
	Links          []LinkCfg      `yaml:",omitempty"`                // statically configured radio neighbours
	LogPath        string         `yaml:"log_path,omitempty"`        // if not empty, logs are also written to this file
	TickDelay      time.Duration  `yaml:"tick_delay,omitempty"`      // period of the node tick
	AdvertiseTicks int            `yaml:"advertise_ticks,omitempty"` // ticks between periodic route advertisements
	BeaconTicks    int            `yaml:"beacon_ticks,omitempty"`    // ticks between neighbour discovery beacons
	Transport      TransportCfg   `yaml:",omitempty"`
}

// ExpandNodeConfig fills in defaults for every unset tunable
func ExpandNodeConfig(cfg *NodeCfg) {
	if cfg.TickDelay == 0 {
		cfg.TickDelay = TickDelay
	}
	if cfg.AdvertiseTicks == 0 {
		cfg.AdvertiseTicks = AdvertiseTicks
	}
	if cfg.BeaconTicks == 0 {
		cfg.BeaconTicks = BeaconTicks
	}
	t := &cfg.Transport
	if t.RetransmitLimit == 0 {
		t.RetransmitLimit = RetransmitLimit
	}
	if t.RetransmitTicks == 0 {
		t.RetransmitTicks = RetransmitTicks
	}
	if t.RecvBuffer == 0 {
		t.RecvBuffer = RecvBuffer
	}
	if t.LingerTicks == 0 {
		t.LingerTicks = LingerTicks
	}
	if t.IdleTicks == 0 {
		t.IdleTicks = IdleTicks
	}
}

// GetLink returns the link configuration of neighbour id, or nil
func (c *NodeCfg) GetLink(id NodeId) *LinkCfg {
	for i := range c.Links {
		if c.Links[i].Id == id {
			return &c.Links[i]
		}
	}
	return nil
}
