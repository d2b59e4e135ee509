package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State is the node aggregate. State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules     map[string]Module
	RouterState *RouterState
	// Ticks counts the periodic ticks processed so far
	Ticks uint64
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	NodeCfg
	Link     Link
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Started  atomic.Bool
	Stopping atomic.Bool
}
