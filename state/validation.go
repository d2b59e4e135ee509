package state

import (
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
)

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

// ParseNodeId parses a decimal node id
func ParseNodeId(s string) (NodeId, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid node id: %w", s, err)
	}
	id := NodeId(v)
	if !id.IsValid() {
		return 0, fmt.Errorf("node id %d is reserved, must be between 1 and %d", id, Broadcast-1)
	}
	return id, nil
}

func NodeConfigValidator(node *NodeCfg) error {
	if !node.Id.IsValid() {
		return fmt.Errorf("node id %d is reserved, must be between 1 and %d", node.Id, Broadcast-1)
	}
	seen := make(map[NodeId]struct{})
	for _, link := range node.Links {
		if !link.Id.IsValid() {
			return fmt.Errorf("link to %d: node id is reserved", link.Id)
		}
		if link.Id == node.Id {
			return fmt.Errorf("link to %d: node cannot link to itself", link.Id)
		}
		if _, ok := seen[link.Id]; ok {
			return fmt.Errorf("duplicate link found: %d", link.Id)
		}
		if !link.Addr.IsValid() {
			return fmt.Errorf("link to %d: address is invalid", link.Id)
		}
		seen[link.Id] = struct{}{}
	}
	if node.TickDelay < 0 {
		return fmt.Errorf("tick_delay must not be negative")
	}
	t := node.Transport
	if t.RetransmitLimit < 0 || t.RetransmitTicks < 0 || t.LingerTicks < 0 || t.IdleTicks < 0 || node.AdvertiseTicks < 0 || node.BeaconTicks < 0 {
		return fmt.Errorf("tick counts must not be negative")
	}
	if t.RecvBuffer < 0 || t.RecvBuffer > math.MaxUint16 {
		return fmt.Errorf("recv_buffer = %d must fit in the advertised window (0-%d)", t.RecvBuffer, math.MaxUint16)
	}
	return nil
}
