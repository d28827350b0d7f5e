package verify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/tracer"
)

var (
	nodeA = cluster.Node{ID: "A", Addr: "10.0.0.1"}
	nodeB = cluster.Node{ID: "B", Addr: "10.0.0.2"}
	nodeC = cluster.Node{ID: "C", Addr: "10.0.0.3"}
)

func trace(coord cluster.Node, sources ...cluster.Node) tracer.Trace {
	t := tracer.Trace{Operation: "read", Coordinator: coord, Available: true}
	for _, s := range sources {
		role := tracer.RoleReplica
		if s.Same(coord) {
			role = tracer.RoleCoordinator
		}
		t.Events = append(t.Events, tracer.Event{Source: s, Description: "event", Role: role})
	}
	return t
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		trace      tracer.Trace
		failed     cluster.Node
		wantPassed bool
		violations int
	}{
		{"rerouted to survivors", trace(nodeA, nodeA, nodeC), nodeB, true, 0},
		{"coordinator is failed node", trace(nodeB, nodeB, nodeA), nodeB, false, 2},
		{"replica event from failed node", trace(nodeA, nodeA, nodeB), nodeB, false, 1},
		{"unavailable trace passes", tracer.Trace{Operation: "read"}, nodeB, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(tt.trace, tt.failed)
			assert.Equal(t, tt.wantPassed, res.Passed)
			assert.Len(t, res.Violations, tt.violations)
			assert.NoError(t, res.Err)
			if tt.wantPassed {
				assert.NoError(t, res.AsError())
			} else {
				assert.ErrorIs(t, res.AsError(), cluster.ErrVerificationFailure)
			}
		})
	}
}

func TestCheckMatchesByAddress(t *testing.T) {
	res := Check(trace(nodeA, cluster.Node{ID: "10.0.0.2", Addr: "10.0.0.2"}), nodeB)
	assert.False(t, res.Passed)
}

func TestCheckUnavailableTraceNote(t *testing.T) {
	res := Check(tracer.Trace{}, nodeB)
	assert.True(t, res.Passed)
	assert.False(t, res.TraceAvailable)
	require.Len(t, res.Notes, 1)
}

func TestWithBaseline(t *testing.T) {
	before := trace(nodeB, nodeB)
	after := trace(nodeA, nodeA)

	res := Check(after, nodeB, WithBaseline(before))
	assert.True(t, res.Passed)
	assert.True(t, res.CoordinatorChanged)
	assert.Equal(t, []cluster.Node{nodeA}, res.InvolvedNodes)

	res = Check(after, nodeB, WithBaseline(trace(nodeA)))
	assert.False(t, res.CoordinatorChanged)
}

func TestWithRingSingleNode(t *testing.T) {
	single := ring.NewSnapshot("static", time.Now(), []ring.Entry{
		{Token: -10, Node: nodeA},
		{Token: 10, Node: nodeA},
	})

	res := Check(trace(nodeC, nodeC), nodeA, WithRing(single))
	assert.False(t, res.Passed)
	assert.ErrorIs(t, res.Err, cluster.ErrConfiguration)
	assert.ErrorIs(t, res.AsError(), cluster.ErrConfiguration)
	assert.ErrorIs(t, Supports(single), cluster.ErrConfiguration)

	multi := ring.NewSnapshot("static", time.Now(), []ring.Entry{{Token: 1, Node: nodeA}, {Token: 2, Node: nodeB}})
	assert.NoError(t, Supports(multi))
	assert.True(t, Check(trace(nodeA), nodeB, WithRing(multi)).Passed)
}
