package core

import (
	"github.com/encodeous/motenet/state"
)

func handleFrame(s *state.State, pkt []byte, from state.NodeId) {
	Get[*Neighbours](s).Heard(from)
	Get[*MeshRouter](s).HandleFrame(pkt, from)
}

// tick drives every periodic task of the node. A failing task is logged and does not stop the others.
func tick(s *state.State) error {
	s.Ticks++
	tasks := []struct {
		name string
		fun  func(*state.State) error
	}{
		{"router", Get[*MeshRouter](s).Tick},
		{"neighbours", Get[*Neighbours](s).Tick},
		{"transport", Get[*Transport](s).Tick},
	}
	for _, task := range tasks {
		if err := task.fun(s); err != nil {
			s.Log.Warn("periodic task failed", "task", task.name, "tick", s.Ticks, "error", err)
		}
	}
	return nil
}
