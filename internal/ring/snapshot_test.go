package ring

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringprobe/internal/cluster"
)

func TestNewSnapshotOrdersAndCopies(t *testing.T) {
	in := []Entry{{Token: 90, Node: nodeC}, {Token: 10, Node: nodeA}, {Token: 50, Node: nodeB}}
	s := NewSnapshot("static", time.Unix(0, 0), in)

	in[0].Token = 1

	got := s.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, []Token{10, 50, 90}, []Token{got[0].Token, got[1].Token, got[2].Token})

	got[0].Node = nodeC
	assert.Equal(t, nodeA, s.Entries()[0].Node, "Entries must return a copy")
}

func TestSnapshotLive(t *testing.T) {
	s := NewSnapshot("static", time.Now(), []Entry{
		{Token: 10, Node: nodeA},
		{Token: 50, Node: nodeB},
		{Token: 90, Node: nodeC.WithStatus(cluster.StatusDown)},
		{Token: 95, Node: cluster.Node{ID: "D", Addr: "10.0.0.4"}},
	})

	live := s.Live()
	assert.Equal(t, 3, live.Len())
	assert.Equal(t, 4, s.Len(), "Live must not modify the original")

	m, err := Build(live)
	require.NoError(t, err)
	assert.Equal(t, "D", m.Resolve(75).ID)
	assert.Equal(t, nodeA, m.Resolve(96))
}

func TestSamePairsIgnoresStatus(t *testing.T) {
	before := NewSnapshot("cql", time.Now(), []Entry{{Token: 10, Node: nodeA}, {Token: 50, Node: nodeB}})
	after := NewSnapshot("cql", time.Now().Add(time.Minute), []Entry{
		{Token: 10, Node: nodeA.WithStatus(cluster.StatusDown)},
		{Token: 50, Node: nodeB},
	})
	moved := NewSnapshot("cql", time.Now(), []Entry{{Token: 11, Node: nodeA}, {Token: 50, Node: nodeB}})

	assert.True(t, SamePairs(before, after))
	assert.False(t, SamePairs(before, moved))
}

func TestDiff(t *testing.T) {
	nodeD := cluster.Node{ID: "D", Addr: "10.0.0.4", Status: cluster.StatusUp}
	before := NewSnapshot("cql", time.Now(), []Entry{
		{Token: 10, Node: nodeA},
		{Token: 50, Node: nodeB},
		{Token: 90, Node: nodeC},
	})
	after := NewSnapshot("cql", time.Now(), []Entry{
		{Token: 10, Node: nodeA},
		{Token: 50, Node: nodeB.WithStatus(cluster.StatusDown)},
		{Token: 70, Node: nodeD},
	})

	want := Delta{
		Added:   []cluster.Node{nodeD},
		Removed: []cluster.Node{nodeC},
		StatusChanged: []StatusChange{
			{Node: nodeB.WithStatus(cluster.StatusDown), From: cluster.StatusUp, To: cluster.StatusDown},
		},
		TokensChanged: true,
	}
	if diff := cmp.Diff(want, Diff(before, after)); diff != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, Diff(before, before).Empty())
}
