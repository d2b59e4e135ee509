package sim

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/encodeous/motenet/state"
	"github.com/goccy/go-yaml"
)

// Script describes a simulated network and what to do with it
type Script struct {
	TickDelay time.Duration      `yaml:"tick_delay,omitempty"` // defaults to 10ms so scripts run fast
	Seed      uint64             `yaml:"seed,omitempty"`       // packet loss seed
	Nodes     []state.NodeId     `yaml:"nodes"`
	Graph     []string           `yaml:"graph"`                // topology, see state.ParseGraph
	Loss      float64            `yaml:"loss,omitempty"`       // default loss probability of every edge
	Links     []LinkSpec         `yaml:"links,omitempty"`      // per edge overrides
	Transport state.TransportCfg `yaml:"transport,omitempty"`
	Steps     []Step             `yaml:"steps"`
}

type LinkSpec struct {
	A    state.NodeId `yaml:"a"`
	B    state.NodeId `yaml:"b"`
	Loss float64      `yaml:"loss,omitempty"`
	Down bool         `yaml:"down,omitempty"`
}

// Step is a single script action, exactly one field must be set
type Step struct {
	Run            int           `yaml:"run,omitempty"` // ticks to let the network run
	DumpRoutes     *state.NodeId `yaml:"dump-routes,omitempty"`
	DumpNeighbours *state.NodeId `yaml:"dump-neighbours,omitempty"`
	Ping           *PingStep     `yaml:"ping,omitempty"`
	Server         *ServerStep   `yaml:"server,omitempty"`
	Client         *ClientStep   `yaml:"client,omitempty"`
	CloseClient    *ClientStep   `yaml:"close-client,omitempty"`
	NodeOff        *state.NodeId `yaml:"node-off,omitempty"`
	LinkDown       *LinkSpec     `yaml:"link-down,omitempty"`
	LinkUp         *LinkSpec     `yaml:"link-up,omitempty"`
}

type PingStep struct {
	From    state.NodeId `yaml:"from"`
	To      state.NodeId `yaml:"to"`
	Payload string       `yaml:"payload,omitempty"`
}

type ServerStep struct {
	Node state.NodeId `yaml:"node"`
	Port uint8        `yaml:"port"`
}

type ClientStep struct {
	Node     state.NodeId `yaml:"node"`
	Dest     state.NodeId `yaml:"dest"`
	SrcPort  uint8        `yaml:"src_port"`
	DestPort uint8        `yaml:"dest_port"`
	Transfer int          `yaml:"transfer,omitempty"` // number of sequential 16-bit values to send
}

func (s Step) count() int {
	n := 0
	if s.Run != 0 {
		n++
	}
	for _, set := range []bool{
		s.DumpRoutes != nil,
		s.DumpNeighbours != nil,
		s.Ping != nil,
		s.Server != nil,
		s.Client != nil,
		s.CloseClient != nil,
		s.NodeOff != nil,
		s.LinkDown != nil,
		s.LinkUp != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func ReadScript(path string) (*Script, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(file)
}

func ParseScript(data []byte) (*Script, error) {
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, err
	}
	if err := ScriptValidator(&script); err != nil {
		return nil, err
	}
	return &script, nil
}

// ScriptValidator checks the script and fills in defaults
func ScriptValidator(s *Script) error {
	if s.TickDelay == 0 {
		s.TickDelay = 10 * time.Millisecond
	}
	if s.TickDelay < 0 {
		return fmt.Errorf("tick_delay must be positive")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("script has no nodes")
	}
	seen := make(map[state.NodeId]struct{})
	for _, id := range s.Nodes {
		if !id.IsValid() {
			return fmt.Errorf("node id %d is reserved", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate node: %d", id)
		}
		seen[id] = struct{}{}
	}
	if s.Loss < 0 || s.Loss > 1 {
		return fmt.Errorf("loss %v must be between 0 and 1", s.Loss)
	}
	for _, l := range s.Links {
		if !slices.Contains(s.Nodes, l.A) || !slices.Contains(s.Nodes, l.B) {
			return fmt.Errorf("link %d-%d refers to an unknown node", l.A, l.B)
		}
		if l.Loss < 0 || l.Loss > 1 {
			return fmt.Errorf("link %d-%d: loss %v must be between 0 and 1", l.A, l.B, l.Loss)
		}
	}
	for i, step := range s.Steps {
		if c := step.count(); c != 1 {
			return fmt.Errorf("step %d: expected exactly one action, got %d", i+1, c)
		}
		if step.Run < 0 {
			return fmt.Errorf("step %d: run must be positive", i+1)
		}
	}
	return nil
}
