package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"reflect"
	"runtime"
	"strconv"
	"time"

	"github.com/encodeous/motenet/perf"
	"github.com/encodeous/motenet/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// NewLogger builds the node logger. Records go to w and, if logPath is set, to a log file. The returned closer releases the file.
func NewLogger(id state.NodeId, w io.Writer, level slog.Level, logPath string) (*slog.Logger, func() error, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(w, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: strconv.Itoa(int(id)),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	closer := func() error { return nil }
	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	logger := slog.New(
		slogmulti.Fanout(handlers...))
	return logger, closer, nil
}

// Node is an initialized node that may not be running yet
type Node struct {
	*state.State
	dispatch chan func(*state.State) error
}

// NewNode builds the node state and initializes its modules. The node does not touch the link until Run is called.
func NewNode(ctx context.Context, cfg state.NodeCfg, link state.Link, logger *slog.Logger) (*Node, error) {
	state.ExpandNodeConfig(&cfg)
	if err := state.NodeConfigValidator(&cfg); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	dispatch := make(chan func(env *state.State) error, 128)

	s := &state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			DispatchChannel: dispatch,
			NodeCfg:         cfg,
			Link:            link,
			Context:         ctx,
			Cancel:          cancel,
			Log:             logger,
		},
	}
	s.Log.Info("init modules")
	if err := initModules(s); err != nil {
		cancel(err)
		return nil, err
	}
	s.Log.Info("init modules complete")
	return &Node{State: s, dispatch: dispatch}, nil
}

// Run starts the link and the periodic tick, then runs the dispatch loop until the node context is cancelled
func (n *Node) Run() error {
	s := n.State
	err := s.Link.Start(func(pkt []byte, from state.NodeId) {
		s.Dispatch(func(s *state.State) error {
			handleFrame(s, pkt, from)
			return nil
		})
	})
	if err != nil {
		s.Cancel(err)
		Stop(s)
		return fmt.Errorf("failed to start link: %w", err)
	}
	s.RepeatTask(tick, s.TickDelay)
	s.Log.Info("node started", "id", s.Id, "tick", s.TickDelay)
	return MainLoop(s, n.dispatch)
}

// Start runs a node until ctx is cancelled. If initState is not nil, it receives the node state before the node starts.
func Start(ctx context.Context, cfg state.NodeCfg, link state.Link, logger *slog.Logger, initState **state.State) error {
	n, err := NewNode(ctx, cfg, link, logger)
	if err != nil {
		return err
	}
	if initState != nil {
		*initState = n.State
	}
	return n.Run()
}

func initModules(s *state.State) error {
	var modules []state.Module
	modules = append(modules, &MeshRouter{})
	modules = append(modules, &Neighbours{})
	modules = append(modules, &Transport{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	// pending and future dispatches are dropped once the context is done
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	// reverse init order, so the transport is gone before the router
	for _, name := range []string{"*core.Transport", "*core.Neighbours", "*core.MeshRouter"} {
		module, ok := s.Modules[name]
		if !ok {
			continue
		}
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", name, "error", err)
		}
	}
	if s.Link != nil {
		if err := s.Link.Close(); err != nil {
			s.Log.Warn("failed to close link", "error", err)
		}
	}
	s.Log.Info("stopped")
}
