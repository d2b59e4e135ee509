//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/encodeous/motenet/core"
	"github.com/encodeous/motenet/impl"
	"github.com/encodeous/motenet/state"
)

const TestTickDelay = 20 * time.Millisecond

// VirtualHarness runs a set of nodes on an in-memory radio network
type VirtualHarness struct {
	Nodes   []state.NodeCfg
	Graph   []string
	Loss    float64
	Seed    uint64
	Context context.Context
	Cancel  context.CancelCauseFunc
	Net     *impl.VirtualNetwork
	States  []*state.State
	wg      sync.WaitGroup
}

func (v *VirtualHarness) NewNode(id state.NodeId) *state.NodeCfg {
	v.Nodes = append(v.Nodes, state.NodeCfg{
		Id:        id,
		TickDelay: TestTickDelay,
	})
	return &v.Nodes[len(v.Nodes)-1]
}

func (v *VirtualHarness) IndexOf(id state.NodeId) int {
	for i, n := range v.Nodes {
		if n.Id == id {
			return i
		}
	}
	panic(fmt.Sprintf("unknown node %d", id))
}

func (v *VirtualHarness) Start() chan error {
	ctx, cancel := context.WithCancelCause(context.Background())
	v.Context = ctx
	v.Cancel = cancel
	errChan := make(chan error, 128)

	ids := make([]state.NodeId, 0, len(v.Nodes))
	for _, n := range v.Nodes {
		ids = append(ids, n.Id)
	}
	v.Net = impl.NewVirtualNetwork(v.Seed)
	pairs, err := state.ParseGraph(v.Graph, ids)
	if err != nil {
		errChan <- err
		return errChan
	}
	for _, p := range pairs {
		v.Net.Connect(p.V1, p.V2, v.Loss)
	}

	v.States = make([]*state.State, len(v.Nodes))
	for idx, cfg := range v.Nodes {
		logger, _, err := core.NewLogger(cfg.Id, os.Stderr, slog.LevelWarn, "")
		if err != nil {
			errChan <- err
			return errChan
		}
		n, err := core.NewNode(ctx, cfg, v.Net.Endpoint(cfg.Id), logger)
		if err != nil {
			errChan <- err
			return errChan
		}
		v.States[idx] = n.State
		v.wg.Go(func() {
			if err := n.Run(); err != nil {
				errChan <- err
			}
		})
	}
	for {
		started := true
		for _, s := range v.States {
			if !s.Started.Load() {
				started = false
				break
			}
		}
		if started {
			return errChan
		}
		select {
		case err := <-errChan:
			errChan <- err
			return errChan
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (v *VirtualHarness) Stop() {
	if v.Cancel == nil {
		return
	}
	v.Cancel(fmt.Errorf("stopping harness"))
	v.wg.Wait()
}

// Do runs fun on the dispatch goroutine of node id
func (v *VirtualHarness) Do(id state.NodeId, fun func(s *state.State) (any, error)) (any, error) {
	return v.States[v.IndexOf(id)].DispatchWait(fun)
}

// Route returns the current route of from towards to
func (v *VirtualHarness) Route(from, to state.NodeId) (state.Route, bool) {
	res, err := v.Do(from, func(s *state.State) (any, error) {
		r, ok := s.RouterState.Routes[to]
		if !ok {
			return nil, nil
		}
		return r, nil
	})
	if err != nil || res == nil {
		return state.Route{}, false
	}
	return res.(state.Route), true
}

// PingReplies records the nodes that answered pings sent from id
func (v *VirtualHarness) PingReplies(id state.NodeId) chan state.NodeId {
	replies := make(chan state.NodeId, 128)
	_, _ = v.Do(id, func(s *state.State) (any, error) {
		core.Get[*core.MeshRouter](s).OnPingReply = func(src state.NodeId, payload []byte) {
			select {
			case replies <- src:
			default:
			}
		}
		return nil, nil
	})
	return replies
}
