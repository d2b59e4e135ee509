package core

import (
	"reflect"

	"github.com/encodeous/motenet/state"
)

// SeqLt reports whether a comes before b in the 16-bit sequence space
func SeqLt(a, b uint16) bool {
	return int16(a-b) < 0
}

func SeqLe(a, b uint16) bool {
	return a == b || SeqLt(a, b)
}

func SeqGt(a, b uint16) bool {
	return !SeqLe(a, b)
}

func SeqGe(a, b uint16) bool {
	return !SeqLt(a, b)
}

// AddCost adds one hop to cost, reporting false if the result is not representable
func AddCost(cost uint8) (uint8, bool) {
	if cost == state.MaxCost {
		return 0, false
	}
	return cost + 1, true
}

func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}
