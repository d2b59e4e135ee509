//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/encodeous/motenet/core"
	"github.com/encodeous/motenet/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	vh.NewNode(1)
	vh.NewNode(2)
	vh.NewNode(3)
	vh.Graph = []string{
		"1, 2, 3",
	}
	errs := vh.Start()
	select {
	case <-time.After(500 * time.Millisecond):
	case err := <-errs:
		t.Error(err)
	}
	vh.Stop()
}

func TestSimplePing(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	vh.NewNode(1)
	vh.NewNode(2)
	vh.Graph = []string{
		"1, 2",
	}
	errs := vh.Start()
	defer vh.Stop()
	replies := vh.PingReplies(1)

	go func() {
		for {
			select {
			case <-vh.Context.Done():
				return
			case <-time.After(100 * time.Millisecond):
				_, _ = vh.Do(1, func(s *state.State) (any, error) {
					return nil, core.Get[*core.MeshRouter](s).SendPing(2, []byte("hi"))
				})
			}
		}
	}()

	select {
	case src := <-replies:
		require.Equal(t, state.NodeId(2), src)
	case <-time.After(5 * time.Second):
		t.Error("Timed out waiting for ping")
	case err := <-errs:
		t.Error(err)
	}
}

func TestSimpleRoutedPing(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	vh.NewNode(1)
	vh.NewNode(2)
	vh.NewNode(3)
	vh.Graph = []string{
		"1, 2",
		"2, 3",
	}
	errs := vh.Start()
	defer vh.Stop()
	replies := vh.PingReplies(1)

	require.Eventually(t, func() bool {
		r, ok := vh.Route(1, 3)
		return ok && r.NextHop == 2 && r.Cost == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err := vh.Do(1, func(s *state.State) (any, error) {
		return nil, core.Get[*core.MeshRouter](s).SendPing(3, []byte("routed"))
	})
	require.NoError(t, err)

	select {
	case src := <-replies:
		require.Equal(t, state.NodeId(3), src)
	case <-time.After(5 * time.Second):
		t.Error("Timed out waiting for routed ping")
	case err := <-errs:
		t.Error(err)
	}
}

func TestNeighbourDiscovery(t *testing.T) {
	defer goleak.VerifyNone(t)
	vh := &VirtualHarness{}
	vh.NewNode(1)
	vh.NewNode(2)
	vh.NewNode(3)
	vh.Graph = []string{
		"1, 2, 3",
	}
	vh.Start()
	defer vh.Stop()

	neighbours := func(id state.NodeId) []state.NodeId {
		res, err := vh.Do(id, func(s *state.State) (any, error) {
			return core.Get[*core.Neighbours](s).List(), nil
		})
		if err != nil {
			return nil
		}
		return res.([]state.NodeId)
	}
	require.Eventually(t, func() bool {
		return len(neighbours(2)) == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []state.NodeId{1, 3}, neighbours(2))

	require.NoError(t, vh.Net.SetLink(1, 2, false))
	// 2 forgets 1 once the neighbour entry expires
	require.Eventually(t, func() bool {
		n := neighbours(2)
		return len(n) == 1 && n[0] == 3
	}, 5*time.Second, 20*time.Millisecond)
}
