package ring

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringprobe/internal/cluster"
)

var (
	nodeA = cluster.Node{ID: "A", Addr: "10.0.0.1", Status: cluster.StatusUp}
	nodeB = cluster.Node{ID: "B", Addr: "10.0.0.2", Status: cluster.StatusUp}
	nodeC = cluster.Node{ID: "C", Addr: "10.0.0.3", Status: cluster.StatusUp}
)

func abcRing(t *testing.T) *Model {
	t.Helper()
	m, err := Build(NewSnapshot("test", time.Now(), []Entry{
		{Token: 90, Node: nodeC},
		{Token: 10, Node: nodeA},
		{Token: 50, Node: nodeB},
	}))
	require.NoError(t, err)
	return m
}

// TestResolveWrapAround covers the documented boundary examples.
func TestResolveWrapAround(t *testing.T) {
	m := abcRing(t)

	tests := []struct {
		name  string
		token Token
		want  cluster.Node
	}{
		{"above largest token wraps to smallest", 95, nodeA},
		{"between tokens goes to next token", 30, nodeB},
		{"equal to token is inclusive", 90, nodeC},
		{"equal to smallest token is inclusive", 10, nodeA},
		{"below smallest token", -500, nodeA},
		{"just above a token", 51, nodeC},
		{"domain minimum", MinToken, nodeA},
		{"domain maximum", MaxToken, nodeA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Resolve(tt.token))
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	m := abcRing(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		tok := Token(rng.Int63() - rng.Int63())
		assert.Equal(t, m.Resolve(tok), m.Resolve(tok), "token %d", tok)
	}
}

func TestResolveConcurrentCallers(t *testing.T) {
	m := abcRing(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if got := m.Resolve(75); !got.Same(nodeC) {
					t.Errorf("concurrent Resolve(75) = %v", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestTotalCoverage checks that for random rings every sampled token lies in
// exactly one range and that range's owner is what Resolve returns.
func TestTotalCoverage(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		m := randomModel(t, rng, 1+rng.Intn(6), 1+rng.Intn(8))
		ranges := m.Ranges()

		probes := []Token{MinToken, MaxToken, 0}
		for _, r := range ranges {
			probes = append(probes, r.End, r.End+1, r.Start)
		}
		for i := 0; i < 200; i++ {
			probes = append(probes, Token(rng.Uint64()))
		}

		for _, tok := range probes {
			var owners []cluster.Node
			for _, r := range ranges {
				if r.Contains(tok) {
					owners = append(owners, r.Owner)
				}
			}
			if len(ranges) > 1 {
				require.Len(t, owners, 1, "token %d must have exactly one range", tok)
			}
			require.NotEmpty(t, owners)
			assert.True(t, owners[0].Same(m.Resolve(tok)), "token %d", tok)
		}

		var total float64
		for _, share := range m.Ownership() {
			total += share
		}
		assert.InDelta(t, 1.0, total, 1e-9)
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(Snapshot{})
	assert.ErrorIs(t, err, cluster.ErrConfiguration)

	_, err = Build(NewSnapshot("test", time.Now(), []Entry{{Token: 1}}))
	assert.ErrorIs(t, err, cluster.ErrConfiguration)

	_, err = Build(NewSnapshot("test", time.Now(), []Entry{
		{Token: 10, Node: nodeA},
		{Token: 10, Node: nodeB},
	}))
	assert.ErrorIs(t, err, cluster.ErrInvariantViolation)
}

func TestBuildCollapsesRepeatedPairs(t *testing.T) {
	m, err := Build(NewSnapshot("test", time.Now(), []Entry{
		{Token: 10, Node: nodeA},
		{Token: 10, Node: nodeA.WithStatus(cluster.StatusDown)},
		{Token: 20, Node: nodeB},
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestVirtualNodes(t *testing.T) {
	m, err := Build(NewSnapshot("test", time.Now(), []Entry{
		{Token: -100, Node: nodeA},
		{Token: 0, Node: nodeB},
		{Token: 100, Node: nodeA},
		{Token: 200, Node: nodeB},
	}))
	require.NoError(t, err)

	assert.Equal(t, nodeA, m.Resolve(-150))
	assert.Equal(t, nodeB, m.Resolve(-50))
	assert.Equal(t, nodeA, m.Resolve(50))
	assert.Equal(t, nodeB, m.Resolve(150))
	assert.Equal(t, nodeA, m.Resolve(250))
	assert.Len(t, m.Nodes(), 2)

	share := m.Ownership()
	assert.InDelta(t, 1.0, share[nodeA.Key()]+share[nodeB.Key()], 1e-9)
}

func TestReplicas(t *testing.T) {
	m := abcRing(t)

	assert.Equal(t, []cluster.Node{nodeC, nodeA}, m.Replicas(75, 2))
	assert.Equal(t, []cluster.Node{nodeA, nodeB, nodeC}, m.Replicas(95, 3))
	assert.Equal(t, []cluster.Node{nodeA, nodeB, nodeC}, m.Replicas(95, 10))
	assert.Nil(t, m.Replicas(95, 0))

	vn, err := Build(NewSnapshot("test", time.Now(), []Entry{
		{Token: 1, Node: nodeA},
		{Token: 2, Node: nodeA},
		{Token: 3, Node: nodeB},
	}))
	require.NoError(t, err)
	assert.Equal(t, []cluster.Node{nodeA, nodeB}, vn.Replicas(0, 2))
}

func TestRangesSingleToken(t *testing.T) {
	m, err := Build(NewSnapshot("test", time.Now(), []Entry{{Token: 5, Node: nodeA}}))
	require.NoError(t, err)

	ranges := m.Ranges()
	require.Len(t, ranges, 1)
	assert.True(t, ranges[0].Contains(MinToken))
	assert.True(t, ranges[0].Contains(MaxToken))
	assert.Equal(t, 1.0, m.Ownership()[nodeA.Key()])
	assert.Equal(t, nodeA, m.Resolve(MaxToken))
}

func TestOwnerToken(t *testing.T) {
	m := abcRing(t)
	assert.Equal(t, Token(90), m.OwnerToken(75))
	assert.Equal(t, Token(10), m.OwnerToken(95))
}

func randomModel(t *testing.T, rng *rand.Rand, nodes, vnodes int) *Model {
	t.Helper()
	seen := make(map[Token]bool)
	var entries []Entry
	for n := 0; n < nodes; n++ {
		node := cluster.Node{ID: string(rune('A' + n)), Addr: "10.1.0." + string(rune('1'+n))}
		for v := 0; v < vnodes; v++ {
			tok := Token(rng.Uint64())
			if seen[tok] {
				continue
			}
			seen[tok] = true
			entries = append(entries, Entry{Token: tok, Node: node})
		}
	}
	m, err := Build(NewSnapshot("random", time.Now(), entries))
	require.NoError(t, err)
	return m
}
