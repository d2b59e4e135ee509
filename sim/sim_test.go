package sim

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/encodeous/motenet/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const lineScript = `
tick_delay: 10ms
nodes: [1, 2, 3, 4]
graph:
  - 1, 2
  - 2, 3
  - 3, 4
steps:
  - run: 60
  - dump-routes: 1
  - dump-neighbours: 2
  - ping:
      from: 1
      to: 4
      payload: Test
  - run: 10
  - server:
      node: 4
      port: 33
  - run: 2
  - client:
      node: 1
      dest: 4
      src_port: 20
      dest_port: 33
      transfer: 30
  - run: 60
  - close-client:
      node: 1
      dest: 4
      src_port: 20
      dest_port: 33
  - run: 20
`

// lockedBuffer is written by node goroutines and read by the test
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseScript(t *testing.T) {
	script, err := ParseScript([]byte(lineScript))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, script.TickDelay)
	assert.Equal(t, []state.NodeId{1, 2, 3, 4}, script.Nodes)
	require.Len(t, script.Steps, 12)
	assert.Equal(t, 60, script.Steps[0].Run)
	require.NotNil(t, script.Steps[1].DumpRoutes)
	assert.Equal(t, state.NodeId(1), *script.Steps[1].DumpRoutes)
	assert.Equal(t, &PingStep{From: 1, To: 4, Payload: "Test"}, script.Steps[3].Ping)
	assert.Equal(t, &ClientStep{Node: 1, Dest: 4, SrcPort: 20, DestPort: 33, Transfer: 30}, script.Steps[7].Client)
}

func TestScriptValidation(t *testing.T) {
	_, err := ParseScript([]byte(`nodes: []`))
	assert.ErrorContains(t, err, "no nodes")

	_, err = ParseScript([]byte(`nodes: [1, 255]`))
	assert.ErrorContains(t, err, "reserved")

	_, err = ParseScript([]byte(`
nodes: [1, 2]
steps:
  - run: 1
    dump-routes: 1
`))
	assert.ErrorContains(t, err, "exactly one action")

	_, err = ParseScript([]byte(`
nodes: [1, 2]
links:
  - {a: 1, b: 3}
`))
	assert.ErrorContains(t, err, "unknown node")
}

func TestLineTopology(t *testing.T) {
	defer goleak.VerifyNone(t)
	script, err := ParseScript([]byte(lineScript))
	require.NoError(t, err)

	out := &lockedBuffer{}
	s, err := New(script, out)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), io.Discard, slog.LevelInfo))

	res := out.String()
	t.Log(res)
	assert.Contains(t, res, "4 via (nh: 2, cost: 3")
	assert.Contains(t, res, "neighbours of node 2: [1 3]")
	assert.Equal(t, []state.NodeId{4}, s.PingReplies(1))

	expected := make([]uint16, 30)
	for i := range expected {
		expected[i] = uint16(i)
	}
	assert.Equal(t, expected, s.Received(4))
	assert.Contains(t, res, "node 4: connection :33 <-> 1:20 closed")
}

func TestNodeOff(t *testing.T) {
	defer goleak.VerifyNone(t)
	// 1 reaches 4 through 2 or 3
	script := &Script{
		TickDelay: 10 * time.Millisecond,
		Nodes:     []state.NodeId{1, 2, 3, 4},
		Graph:     []string{"1, 2", "1, 3", "2, 4", "3, 4"},
	}
	out := &lockedBuffer{}
	s, err := New(script, out)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, io.Discard, slog.LevelInfo))
	defer func() {
		require.NoError(t, s.Stop())
	}()

	require.NoError(t, s.Step(ctx, Step{Run: 30}))
	off := state.NodeId(2)
	require.NoError(t, s.Step(ctx, Step{NodeOff: &off}))
	// any route through 2 is replaced by the equal cost one through 3
	require.NoError(t, s.Step(ctx, Step{Run: state.MaxRouteTTL}))

	id := state.NodeId(1)
	require.NoError(t, s.Step(ctx, Step{DumpRoutes: &id}))
	require.NoError(t, s.Step(ctx, Step{Ping: &PingStep{From: 1, To: 4}}))
	require.NoError(t, s.Step(ctx, Step{Run: 10}))

	res := out.String()
	t.Log(res)
	assert.Contains(t, res, "4 via (nh: 3, cost: 2")
	assert.Contains(t, res, "node 2: switched off")
	assert.Equal(t, []state.NodeId{4}, s.PingReplies(1))
}
