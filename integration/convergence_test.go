//go:build integration

package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/encodeous/motenet/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLineConvergence(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	for id := state.NodeId(1); id <= 6; id++ {
		vh.NewNode(id)
	}
	vh.Graph = []string{
		"1, 2",
		"2, 3",
		"3, 4",
		"4, 5",
		"5, 6",
	}
	vh.Start()
	defer vh.Stop()

	for from := state.NodeId(1); from <= 6; from++ {
		for to := state.NodeId(1); to <= 6; to++ {
			if from == to {
				continue
			}
			cost := uint8(max(from, to) - min(from, to))
			nh := from + 1
			if to < from {
				nh = from - 1
			}
			require.Eventually(t, func() bool {
				r, ok := vh.Route(from, to)
				return ok && r.Cost == cost && r.NextHop == nh
			}, 5*time.Second, 20*time.Millisecond, fmt.Sprintf("route %d -> %d", from, to))
		}
	}
	_, ok := vh.Route(3, 3)
	assert.False(t, ok, "nodes never route to themselves")
}

func TestRerouteAfterLinkDown(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	for id := state.NodeId(1); id <= 5; id++ {
		vh.NewNode(id)
	}
	// short path 1-2-5, long path 1-3-4-5
	vh.Graph = []string{
		"1, 2",
		"2, 5",
		"1, 3",
		"3, 4",
		"4, 5",
	}
	vh.Start()
	defer vh.Stop()

	require.Eventually(t, func() bool {
		r, ok := vh.Route(1, 5)
		return ok && r.NextHop == 2 && r.Cost == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, vh.Net.SetLink(2, 5, false))
	require.Eventually(t, func() bool {
		r, ok := vh.Route(1, 5)
		return ok && r.NextHop == 3 && r.Cost == 3
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, vh.Net.SetLink(2, 5, true))
	require.Eventually(t, func() bool {
		r, ok := vh.Route(1, 5)
		return ok && r.NextHop == 2 && r.Cost == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnreachableAfterPartition(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	vh.NewNode(1)
	vh.NewNode(2)
	vh.NewNode(3)
	vh.Graph = []string{
		"1, 2",
		"2, 3",
	}
	vh.Start()
	defer vh.Stop()

	require.Eventually(t, func() bool {
		_, ok := vh.Route(1, 3)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, vh.Net.SetLink(2, 3, false))
	require.Eventually(t, func() bool {
		_, ok := vh.Route(1, 3)
		return !ok
	}, 10*time.Second, 20*time.Millisecond)
}
