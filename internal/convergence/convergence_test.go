package convergence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/topology"
)

var (
	nodeA = cluster.Node{ID: "A", Addr: "10.0.0.1"}
	nodeB = cluster.Node{ID: "B", Addr: "10.0.0.2"}
)

func staticRing() *topology.Static {
	return topology.NewStatic([]topology.StaticNode{
		{Node: nodeA, Tokens: []ring.Token{10}},
		{Node: nodeB, Tokens: []ring.Token{50}},
	})
}

func TestFixedDelay(t *testing.T) {
	res, err := FixedDelay{Delay: 10 * time.Millisecond}.Wait(context.Background(), nil, Target{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Policy)
	assert.GreaterOrEqual(t, res.Elapsed, 10*time.Millisecond)
	assert.Zero(t, res.Polls)
}

func TestFixedDelayCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := FixedDelay{Delay: time.Minute}.Wait(ctx, nil, Target{})
	assert.ErrorIs(t, err, cluster.ErrTimeout)
}

func TestPollUntilStableObservesDown(t *testing.T) {
	st := staticRing()
	go func() {
		time.Sleep(20 * time.Millisecond)
		st.SetStatus(nodeB, cluster.StatusDown)
	}()

	p := PollUntilStable{Interval: 2 * time.Millisecond, Stable: 3, Timeout: 2 * time.Second}
	res, err := p.Wait(context.Background(), st, Target{Node: nodeB, Status: cluster.StatusDown})
	require.NoError(t, err)
	assert.Equal(t, "poll", res.Policy)
	assert.GreaterOrEqual(t, res.Polls, 3)

	snap, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Live().Len())
}

func TestPollUntilStableAlreadyUp(t *testing.T) {
	p := PollUntilStable{Interval: time.Millisecond, Stable: 2, Timeout: time.Second}
	res, err := p.Wait(context.Background(), staticRing(), Target{Node: nodeA, Status: cluster.StatusUp})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Polls)
}

func TestPollUntilStableTimeout(t *testing.T) {
	p := PollUntilStable{Interval: time.Millisecond, Stable: 2, Timeout: 30 * time.Millisecond}
	_, err := p.Wait(context.Background(), staticRing(), Target{Node: nodeB, Status: cluster.StatusDown})
	assert.ErrorIs(t, err, cluster.ErrTimeout)
}

// flaky fails every other read.
type flaky struct {
	inner topology.Provider
	n     atomic.Int32
}

func (f *flaky) Snapshot(ctx context.Context) (ring.Snapshot, error) {
	if f.n.Add(1)%2 == 0 {
		return ring.Snapshot{}, cluster.Errorf(cluster.ErrConnectivity, "node unreachable")
	}
	return f.inner.Snapshot(ctx)
}

func TestPollUntilStableReadErrorsResetCount(t *testing.T) {
	p := PollUntilStable{Interval: time.Millisecond, Stable: 2, Timeout: 30 * time.Millisecond}
	_, err := p.Wait(context.Background(), &flaky{inner: staticRing()}, Target{Node: nodeA, Status: cluster.StatusUp})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cluster.ErrTimeout))
	assert.Contains(t, err.Error(), "node unreachable")
}

func TestReachedMissingNodeCountsAsDown(t *testing.T) {
	snap := ring.NewSnapshot("static", time.Now(), []ring.Entry{{Token: 1, Node: nodeA}})
	assert.True(t, reached(snap, Target{Node: nodeB, Status: cluster.StatusDown}))
	assert.False(t, reached(snap, Target{Node: nodeB, Status: cluster.StatusUp}))
	assert.True(t, reached(snap, Target{Node: nodeA, Status: cluster.StatusUp}))
}

func TestReachedUnknownStatusSettlesNeither(t *testing.T) {
	snap := ring.NewSnapshot("nodetool", time.Now(), []ring.Entry{{Token: 1, Node: nodeB.WithStatus(cluster.StatusUnknown)}})
	assert.False(t, reached(snap, Target{Node: nodeB, Status: cluster.StatusDown}))
	assert.False(t, reached(snap, Target{Node: nodeB, Status: cluster.StatusUp}))
}
