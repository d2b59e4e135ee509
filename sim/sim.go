package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/encodeous/motenet/core"
	"github.com/encodeous/motenet/impl"
	"github.com/encodeous/motenet/state"
	"golang.org/x/sync/errgroup"
)

var errSwitchedOff = errors.New("node switched off")

// Simulator runs a script against nodes on an in-memory network
type Simulator struct {
	script *Script
	net    *impl.VirtualNetwork
	nodes  map[state.NodeId]*core.Node
	group  *errgroup.Group
	cancel context.CancelFunc

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	received map[state.NodeId][]uint16
	pings    map[state.NodeId][]state.NodeId
}

// New builds the network of a script. Script output is written to out.
func New(script *Script, out io.Writer) (*Simulator, error) {
	if err := ScriptValidator(script); err != nil {
		return nil, err
	}
	sim := &Simulator{
		script:   script,
		net:      impl.NewVirtualNetwork(script.Seed),
		nodes:    make(map[state.NodeId]*core.Node),
		out:      out,
		received: make(map[state.NodeId][]uint16),
		pings:    make(map[state.NodeId][]state.NodeId),
	}
	pairs, err := state.ParseGraph(script.Graph, script.Nodes)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		sim.net.Connect(p.V1, p.V2, script.Loss)
	}
	for _, l := range script.Links {
		sim.net.Connect(l.A, l.B, l.Loss)
		if l.Down {
			if err := sim.net.SetLink(l.A, l.B, false); err != nil {
				return nil, err
			}
		}
	}
	return sim, nil
}

func (sim *Simulator) printf(format string, args ...any) {
	sim.outMu.Lock()
	defer sim.outMu.Unlock()
	_, _ = fmt.Fprintf(sim.out, format, args...)
}

// Start boots every node, logging to logW
func (sim *Simulator) Start(ctx context.Context, logW io.Writer, level slog.Level) error {
	ctx, cancel := context.WithCancel(ctx)
	sim.cancel = cancel
	sim.group = &errgroup.Group{}
	for _, id := range sim.script.Nodes {
		logger, _, err := core.NewLogger(id, logW, level, "")
		if err != nil {
			return err
		}
		cfg := state.NodeCfg{
			Id:        id,
			TickDelay: sim.script.TickDelay,
			Transport: sim.script.Transport,
		}
		n, err := core.NewNode(ctx, cfg, sim.net.Endpoint(id), logger)
		if err != nil {
			cancel()
			return fmt.Errorf("node %d: %w", id, err)
		}
		core.Get[*core.MeshRouter](n.State).OnPingReply = func(src state.NodeId, payload []byte) {
			sim.mu.Lock()
			sim.pings[id] = append(sim.pings[id], src)
			sim.mu.Unlock()
			sim.printf("node %d: ping reply from %d: %q\n", id, src, payload)
		}
		sim.nodes[id] = n
		sim.group.Go(n.Run)
	}
	return nil
}

// Stop shuts every node down and waits for them to exit
func (sim *Simulator) Stop() error {
	if sim.cancel == nil {
		return nil
	}
	sim.cancel()
	return sim.group.Wait()
}

// Run boots the nodes and executes the script from start to end
func (sim *Simulator) Run(ctx context.Context, logW io.Writer, level slog.Level) error {
	if err := sim.Start(ctx, logW, level); err != nil {
		return err
	}
	var stepErr error
	for i, step := range sim.script.Steps {
		if err := sim.Step(ctx, step); err != nil {
			stepErr = fmt.Errorf("step %d: %w", i+1, err)
			break
		}
	}
	return errors.Join(stepErr, sim.Stop())
}

// on runs fun on the dispatch goroutine of node id
func (sim *Simulator) on(id state.NodeId, fun func(s *state.State) (any, error)) (any, error) {
	n, ok := sim.nodes[id]
	if !ok {
		return nil, fmt.Errorf("unknown node %d", id)
	}
	if n.Context.Err() != nil {
		return nil, fmt.Errorf("node %d: %w", id, errSwitchedOff)
	}
	return n.DispatchWait(fun)
}

// Step executes a single action. Failures of the simulated application are printed, not returned.
func (sim *Simulator) Step(ctx context.Context, step Step) error {
	switch {
	case step.Run > 0:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(step.Run) * sim.script.TickDelay):
		}
	case step.DumpRoutes != nil:
		id := *step.DumpRoutes
		res, err := sim.on(id, func(s *state.State) (any, error) {
			return s.RouterState.StringRoutes(), nil
		})
		if err != nil {
			sim.printf("node %d: %v\n", id, err)
			return nil
		}
		sim.printf("routing table of node %d:\n%s\n", id, res)
	case step.DumpNeighbours != nil:
		id := *step.DumpNeighbours
		res, err := sim.on(id, func(s *state.State) (any, error) {
			return core.Get[*core.Neighbours](s).List(), nil
		})
		if err != nil {
			sim.printf("node %d: %v\n", id, err)
			return nil
		}
		sim.printf("neighbours of node %d: %v\n", id, res)
	case step.Ping != nil:
		p := step.Ping
		_, err := sim.on(p.From, func(s *state.State) (any, error) {
			return nil, core.Get[*core.MeshRouter](s).SendPing(p.To, []byte(p.Payload))
		})
		if err != nil {
			sim.printf("node %d: ping %d failed: %v\n", p.From, p.To, err)
		}
	case step.Server != nil:
		srv := step.Server
		_, err := sim.on(srv.Node, func(s *state.State) (any, error) {
			return nil, core.Get[*core.Transport](s).Listen(srv.Port, sim.serverHandler(srv.Node))
		})
		if err != nil {
			sim.printf("node %d: listen on %d failed: %v\n", srv.Node, srv.Port, err)
			return nil
		}
		sim.printf("node %d: listening on port %d\n", srv.Node, srv.Port)
	case step.Client != nil:
		cl := step.Client
		_, err := sim.on(cl.Node, func(s *state.State) (any, error) {
			return core.Get[*core.Transport](s).Connect(cl.SrcPort, cl.Dest, cl.DestPort, sim.clientHandler(cl))
		})
		if err != nil {
			sim.printf("node %d: connect to %d:%d failed: %v\n", cl.Node, cl.Dest, cl.DestPort, err)
		}
	case step.CloseClient != nil:
		cl := step.CloseClient
		_, err := sim.on(cl.Node, func(s *state.State) (any, error) {
			for _, c := range core.Get[*core.Transport](s).Connections() {
				if c.LocalPort == cl.SrcPort && c.RemoteNode == cl.Dest && c.RemotePort == cl.DestPort {
					return nil, c.Close()
				}
			}
			return nil, fmt.Errorf("no connection %d -> %d:%d", cl.SrcPort, cl.Dest, cl.DestPort)
		})
		if err != nil {
			sim.printf("node %d: close failed: %v\n", cl.Node, err)
		}
	case step.NodeOff != nil:
		id := *step.NodeOff
		n, ok := sim.nodes[id]
		if !ok {
			return fmt.Errorf("unknown node %d", id)
		}
		sim.net.SetNode(id, false)
		n.Cancel(errSwitchedOff)
		sim.printf("node %d: switched off\n", id)
	case step.LinkDown != nil:
		return sim.net.SetLink(step.LinkDown.A, step.LinkDown.B, false)
	case step.LinkUp != nil:
		return sim.net.SetLink(step.LinkUp.A, step.LinkUp.B, true)
	}
	return nil
}

// Received returns the values received by the servers of node id
func (sim *Simulator) Received(id state.NodeId) []uint16 {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return append([]uint16(nil), sim.received[id]...)
}

// PingReplies returns the nodes that answered pings sent from id
func (sim *Simulator) PingReplies(id state.NodeId) []state.NodeId {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return append([]state.NodeId(nil), sim.pings[id]...)
}

// serverHandler prints the 16-bit values received on every accepted connection
func (sim *Simulator) serverHandler(id state.NodeId) core.ConnHandler {
	partial := make(map[*core.Conn][]byte)
	return core.ConnHandlerFuncs{
		Established: func(c *core.Conn) {
			sim.printf("node %d: accepted %s\n", id, c.ConnKey)
		},
		Readable: func(c *core.Conn) {
			buf := append(partial[c], c.Recv()...)
			values := make([]string, 0, len(buf)/2)
			sim.mu.Lock()
			for len(buf) >= 2 {
				v := binary.BigEndian.Uint16(buf)
				sim.received[id] = append(sim.received[id], v)
				values = append(values, fmt.Sprint(v))
				buf = buf[2:]
			}
			sim.mu.Unlock()
			partial[c] = buf
			if len(values) > 0 {
				sim.printf("node %d: read from %d: %s\n", id, c.RemoteNode, strings.Join(values, ","))
			}
		},
		Closed: func(c *core.Conn, err error) {
			delete(partial, c)
			if err != nil {
				sim.printf("node %d: connection %s failed: %v\n", id, c.ConnKey, err)
				return
			}
			sim.printf("node %d: connection %s closed\n", id, c.ConnKey)
		},
	}
}

// clientHandler writes the values 0..transfer-1 as fast as the window allows
func (sim *Simulator) clientHandler(cl *ClientStep) core.ConnHandler {
	next := 0
	write := func(c *core.Conn) {
		for next < cl.Transfer && c.SendAvailable() >= 2 {
			n := min(c.SendAvailable()/2, cl.Transfer-next)
			buf := make([]byte, 0, n*2)
			for i := 0; i < n; i++ {
				buf = binary.BigEndian.AppendUint16(buf, uint16(next+i))
			}
			if err := c.Send(buf); err != nil {
				sim.printf("node %d: write failed: %v\n", cl.Node, err)
				return
			}
			next += n
		}
	}
	return core.ConnHandlerFuncs{
		Established: func(c *core.Conn) {
			sim.printf("node %d: connected %s\n", cl.Node, c.ConnKey)
			write(c)
		},
		Writable: write,
		Closed: func(c *core.Conn, err error) {
			if err != nil {
				sim.printf("node %d: connection %s failed: %v\n", cl.Node, c.ConnKey, err)
				return
			}
			sim.printf("node %d: connection %s closed after sending %d values\n", cl.Node, c.ConnKey, next)
		},
	}
}
