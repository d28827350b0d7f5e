package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ringprobe/internal/agent"
	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/config"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/convergence"
	"github.com/dreamware/ringprobe/internal/injector"
	"github.com/dreamware/ringprobe/internal/report"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/scenario"
	"github.com/dreamware/ringprobe/internal/sim"
	"github.com/dreamware/ringprobe/internal/topology"
	"github.com/dreamware/ringprobe/internal/tracer"
)

// TestSystem is a simulated four-node cluster whose nodes are stopped and
// started through a ringagent over HTTP, the way a remote ringprobe drives
// a docker host.
type TestSystem struct {
	t        *testing.T
	cluster  *sim.Cluster
	agent    *httptest.Server
	control  *controlplane.HTTP
	registry *cluster.Registry
	fs       afero.Fs
	nodes    []cluster.Node
}

// NewTestSystem creates the cluster and starts the agent in front of it.
func NewTestSystem(t *testing.T) *TestSystem {
	t.Helper()
	ts := &TestSystem{t: t, fs: afero.NewMemMapFs()}

	names := make(map[string]string)
	for i := 1; i <= 4; i++ {
		n := cluster.Node{ID: fmt.Sprintf("cassandra-%d", i), Addr: fmt.Sprintf("172.18.0.%d", i+1)}
		ts.nodes = append(ts.nodes, n)
		names[n.Addr] = n.ID
	}
	ts.registry = cluster.MustRegistry(names)

	c, err := sim.New(sim.Config{
		Nodes:    sim.Evenly(ts.nodes, 4),
		RF:       2,
		KeyParts: 2,
		Seed:     42,
	}, logr.Discard())
	if err != nil {
		t.Fatalf("Failed to create simulated cluster: %v", err)
	}
	ts.cluster = c
	ts.agent = httptest.NewServer(agent.New(c, 2*time.Second, logr.Discard()).Router())
	ts.control = controlplane.NewHTTP(ts.agent.URL)
	return ts
}

// Stop shuts the agent down.
func (ts *TestSystem) Stop() {
	ts.agent.Close()
}

// Scenario builds an orchestrator whose injector talks to the agent.
func (ts *TestSystem) Scenario(recover bool) *scenario.Orchestrator {
	ts.t.Helper()
	o, err := scenario.New(scenario.Config{
		Provider:    ts.cluster,
		Tokens:      ts.cluster,
		Injector:    injector.New(ts.control, 2*time.Second, logr.Discard()),
		Tracer:      tracer.New(ts.cluster, ts.registry, time.Second, logr.Discard()),
		Convergence: convergence.PollUntilStable{Interval: time.Millisecond, Stable: 2, Timeout: 2 * time.Second},
		Confirmer:   scenario.AlwaysConfirm,
		Operations:  config.Default().TracedOperations(),
		Recover:     recover,
		Log:         logr.Discard(),
	})
	if err != nil {
		ts.t.Fatalf("Failed to build scenario: %v", err)
	}
	return o
}

// Status returns the simulated status of n.
func (ts *TestSystem) Status(n cluster.Node) cluster.Status {
	ts.t.Helper()
	snap, err := ts.cluster.Snapshot(context.Background())
	if err != nil {
		ts.t.Fatalf("Failed to read ring: %v", err)
	}
	got, ok := snap.Node(n)
	if !ok {
		ts.t.Fatalf("Node %s missing from ring", n)
	}
	return got.Status
}

// Rows returns how many rows n holds for key.
func (ts *TestSystem) Rows(n cluster.Node, key ring.Key) int {
	ts.t.Helper()
	st, err := ts.cluster.Store(n)
	if err != nil {
		ts.t.Fatalf("Failed to open store of %s: %v", n, err)
	}
	rows, err := st.Rows(key.String(), 0)
	if err != nil {
		return 0
	}
	return len(rows)
}

// TestFailover runs the whole failure scenario through the agent.
func TestFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ts := NewTestSystem(t)
	defer ts.Stop()

	t.Run("AgentHealth", func(t *testing.T) {
		testAgentHealth(t, ts)
	})

	t.Run("RerouteAndRecover", func(t *testing.T) {
		testRerouteAndRecover(t, ts)
	})

	t.Run("RerouteWithoutRecovery", func(t *testing.T) {
		testRerouteWithoutRecovery(t, ts)
	})

	t.Run("ConcurrentAgentCommands", func(t *testing.T) {
		testConcurrentAgentCommands(t, ts)
	})
}

func testAgentHealth(t *testing.T, ts *TestSystem) {
	resp, err := http.Get(ts.agent.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to reach agent: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

// testRerouteAndRecover checks several keys so that different nodes play
// the failed owner.
func testRerouteAndRecover(t *testing.T, ts *TestSystem) {
	targets := make(map[string]bool)
	for i := 1; i <= 6; i++ {
		key := ring.Key{fmt.Sprintf("bird_%02d", i), "2024-05-01"}
		res, err := ts.Scenario(true).Run(context.Background(), key)
		if err != nil {
			t.Fatalf("Run %s failed: %v", key, err)
		}
		if err := res.Err(); err != nil {
			t.Errorf("Run %s: %v", key, err)
		}
		if res.Target.Same(res.OwnerAfter) {
			t.Errorf("Run %s: owner did not change (%s)", key, res.Target)
		}
		if !res.Recovered || !res.RecoveryMatches {
			t.Errorf("Run %s: recovered=%t matches=%t", key, res.Recovered, res.RecoveryMatches)
		}
		if got := ts.Status(res.Target); got != cluster.StatusUp {
			t.Errorf("Run %s: %s is %s after recovery", key, res.Target, got)
		}
		for _, tr := range res.AfterTraces {
			if tr.Involves(res.Target) {
				t.Errorf("Run %s: %s trace after failure involves %s", key, tr.Operation, res.Target)
			}
		}
		targets[res.Target.ID] = true

		path := fmt.Sprintf("reports/%s.txt", res.RunID)
		if err := report.Write(ts.fs, path, res, report.Options{}); err != nil {
			t.Fatalf("Failed to write report: %v", err)
		}
		body, err := afero.ReadFile(ts.fs, path)
		if err != nil {
			t.Fatalf("Failed to read report: %v", err)
		}
		if !containsAll(string(body), "=== RING DIFF ===", "Result:              PASSED", "Matches ring before failure: yes") {
			t.Errorf("Report for %s is missing sections:\n%s", key, body)
		}
	}
	if len(targets) < 2 {
		t.Errorf("Expected several distinct owners across keys, got %v", targets)
	}
}

func testRerouteWithoutRecovery(t *testing.T, ts *TestSystem) {
	key := ring.Key{"bird_99", "2024-06-01"}
	res, err := ts.Scenario(false).Run(context.Background(), key)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	defer func() {
		if err := ts.control.Start(context.Background(), res.Target); err != nil {
			t.Errorf("Failed to restart %s: %v", res.Target, err)
		}
	}()

	if got := ts.Status(res.Target); got != cluster.StatusDown {
		t.Errorf("Expected %s to stay down, got %s", res.Target, got)
	}
	if !res.Verification.Passed {
		t.Errorf("Verification failed: %v", res.Verification.Violations)
	}

	// the write after failure reached the new owner only
	before, after := ts.Rows(res.Target, key), ts.Rows(res.OwnerAfter, key)
	if after <= before {
		t.Errorf("Expected new owner %s to hold more rows than %s, got %d <= %d", res.OwnerAfter, res.Target, after, before)
	}
}

func testConcurrentAgentCommands(t *testing.T, ts *TestSystem) {
	ctx := context.Background()
	do := func(action string) error {
		g, ctx := errgroup.WithContext(ctx)
		for _, n := range ts.nodes {
			n := n
			g.Go(func() error {
				return controlplane.Do(ctx, ts.control, n, action)
			})
		}
		return g.Wait()
	}

	if err := do(controlplane.ActionStop); err != nil {
		t.Fatalf("Concurrent stop failed: %v", err)
	}
	for _, n := range ts.nodes {
		if got := ts.Status(n); got != cluster.StatusDown {
			t.Errorf("Expected %s down, got %s", n, got)
		}
	}
	if err := do(controlplane.ActionStart); err != nil {
		t.Fatalf("Concurrent start failed: %v", err)
	}
	for _, n := range ts.nodes {
		if got := ts.Status(n); got != cluster.StatusUp {
			t.Errorf("Expected %s up, got %s", n, got)
		}
	}
}

// TestStandaloneScenarios covers properties that need no agent.
func TestStandaloneScenarios(t *testing.T) {
	t.Run("KeyDistribution", func(t *testing.T) {
		var nodes []cluster.Node
		for i := 0; i < 4; i++ {
			nodes = append(nodes, cluster.Node{ID: fmt.Sprintf("n%d", i), Addr: fmt.Sprintf("10.1.0.%d", i)})
		}
		snap := ring.NewSnapshot(sim.Source, time.Time{}, entries(sim.Evenly(nodes, 8)))
		model, err := ring.Build(snap)
		if err != nil {
			t.Fatalf("Failed to build ring: %v", err)
		}

		counts := make(map[string]int)
		for i := 0; i < 1000; i++ {
			counts[model.Resolve(sim.Hash(ring.Key{fmt.Sprintf("test-key-%d", i)})).ID]++
		}
		// each node should get roughly 250 keys (±50%)
		for id, count := range counts {
			if count < 125 || count > 375 {
				t.Errorf("Node %s has poor distribution: %d keys", id, count)
			}
		}
		if len(counts) != 4 {
			t.Errorf("Expected keys on 4 nodes, got %d", len(counts))
		}
	})

	t.Run("SingleNodeRing", func(t *testing.T) {
		c, err := sim.New(sim.Config{
			Nodes:    sim.Evenly([]cluster.Node{{ID: "solo", Addr: "10.2.0.1"}}, 4),
			KeyParts: 2,
		}, logr.Discard())
		if err != nil {
			t.Fatalf("Failed to create cluster: %v", err)
		}
		o, err := scenario.New(scenario.Config{
			Provider:    c,
			Tokens:      c,
			Injector:    injector.New(c, time.Second, logr.Discard()),
			Tracer:      tracer.New(c, nil, time.Second, logr.Discard()),
			Convergence: convergence.PollUntilStable{Interval: time.Millisecond, Stable: 2, Timeout: time.Second},
			Confirmer:   scenario.AlwaysConfirm,
			Operations:  config.Default().TracedOperations(),
			Log:         logr.Discard(),
		})
		if err != nil {
			t.Fatalf("Failed to build scenario: %v", err)
		}
		res, err := o.Run(context.Background(), ring.Key{"bird_01", "2024-05-01"})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !res.Unsupported {
			t.Errorf("Expected a single-node ring to be flagged unsupported")
		}
		if len(res.Transitions) != 0 {
			t.Errorf("Expected no node transitions, got %v", res.Transitions)
		}
	})
}

func entries(nodes []topology.StaticNode) []ring.Entry {
	var out []ring.Entry
	for _, n := range nodes {
		for _, tok := range n.Tokens {
			out = append(out, ring.Entry{Token: tok, Node: n.Node.WithStatus(cluster.StatusUp)})
		}
	}
	return out
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
