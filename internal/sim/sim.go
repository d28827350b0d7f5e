// Package sim is an in-process cluster used for dry runs and tests.
//
// A Cluster holds physical nodes with tokens, a replication factor and an
// Up/Down state per node. It answers ring snapshots, token lookups,
// stop/start requests and traced statements the same way a real cluster
// would, so a whole scenario can run without any infrastructure:
//
//	c, _ := sim.New(sim.Config{Nodes: sim.Evenly(nodes, 4), RF: 2}, log)
//	inj := injector.New(c, 0, log)
//	tr := tracer.New(c, nil, 0, log)
//
// Statements are routed by their first KeyParts arguments. Reads contact one
// live replica, writes go to every live replica, and each node keeps the
// rows it holds in its own storage.MemoryStore.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/storage"
	"github.com/dreamware/ringprobe/internal/topology"
	"github.com/dreamware/ringprobe/internal/tracer"
)

var (
	_ topology.Provider         = (*Cluster)(nil)
	_ topology.TokenSource      = (*Cluster)(nil)
	_ controlplane.ControlPlane = (*Cluster)(nil)
	_ tracer.DataPlane          = (*Cluster)(nil)
)

// Source is the snapshot source name of simulated rings.
const Source = "sim"

// Config describes a simulated cluster.
type Config struct {
	Nodes []topology.StaticNode

	// RF is the replication factor. Defaults to 1.
	RF int

	// KeyParts is the number of leading statement arguments that form the
	// partition key. Defaults to 1.
	KeyParts int

	// Seed drives coordinator choice. Zero uses the current time.
	Seed int64

	// TokenFunc maps a key to its token. Defaults to Hash.
	TokenFunc func(ring.Key) ring.Token

	// DropTraces makes every statement return without trace metadata.
	DropTraces bool
}

type member struct {
	node   cluster.Node
	tokens []ring.Token
	down   bool
	store  *storage.MemoryStore
}

// Cluster is a simulated store cluster. It is safe for concurrent use.
type Cluster struct {
	cfg Config
	log logr.Logger
	now func() time.Time

	mu      sync.Mutex
	members []*member
	rng     *rand.Rand
}

// New builds a cluster with every node Up.
func New(cfg Config, log logr.Logger) (*Cluster, error) {
	if len(cfg.Nodes) == 0 {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "simulated cluster needs at least one node")
	}
	if cfg.RF <= 0 {
		cfg.RF = 1
	}
	if cfg.KeyParts <= 0 {
		cfg.KeyParts = 1
	}
	if cfg.TokenFunc == nil {
		cfg.TokenFunc = Hash
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	c := &Cluster{
		cfg: cfg,
		log: log.WithName("sim"),
		now: time.Now,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, sn := range cfg.Nodes {
		n := sn.Node
		if n.Addr == "" {
			n.Addr = n.ID
		}
		if n.ID == "" {
			n.ID = n.Addr
		}
		if n.Addr == "" || len(sn.Tokens) == 0 {
			return nil, cluster.Errorf(cluster.ErrConfiguration, "simulated node %q needs an identity and tokens", n)
		}
		if slices.ContainsFunc(c.members, func(m *member) bool { return m.node.Same(n) }) {
			return nil, cluster.Errorf(cluster.ErrConfiguration, "simulated node %s declared twice", n)
		}
		n.Status = ""
		c.members = append(c.members, &member{
			node:   n,
			tokens: slices.Clone(sn.Tokens),
			store:  storage.NewMemoryStore(),
		})
	}

	// colliding tokens
	if _, err := ring.Build(c.snapshotLocked()); err != nil {
		return nil, err
	}
	return c, nil
}

// Evenly spreads vnodes tokens per node uniformly over the token domain,
// interleaving nodes so that consecutive tokens belong to different nodes.
func Evenly(nodes []cluster.Node, vnodes int) []topology.StaticNode {
	if vnodes <= 0 {
		vnodes = 1
	}
	total := uint64(len(nodes) * vnodes)
	if total == 0 {
		return nil
	}
	step := ^uint64(0) / total
	base := uint64(1) << 63 // MinToken as unsigned
	out := make([]topology.StaticNode, len(nodes))
	for i, n := range nodes {
		out[i].Node = n
	}
	for i := uint64(0); i < total; i++ {
		t := ring.Token(int64(base + step*i + step/2))
		idx := int(i) % len(nodes)
		out[idx].Tokens = append(out[idx].Tokens, t)
	}
	return out
}

// Hash is the simulated partitioner: FNV-64a over the key's string form,
// finished with the murmur3 fmix64 avalanche so that keys differing only in
// their last byte still land far apart on the ring.
func Hash(key ring.Key) ring.Token {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	x := h.Sum64()
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return ring.Token(int64(x))
}

// Snapshot returns the current ring with each node's status.
func (c *Cluster) Snapshot(ctx context.Context) (ring.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return ring.Snapshot{}, cluster.Classify(err, "sim snapshot")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), nil
}

func (c *Cluster) snapshotLocked() ring.Snapshot {
	var entries []ring.Entry
	for _, m := range c.members {
		n := m.node.WithStatus(cluster.StatusUp)
		if m.down {
			n.Status = cluster.StatusDown
		}
		for _, t := range m.tokens {
			entries = append(entries, ring.Entry{Token: t, Node: n})
		}
	}
	return ring.NewSnapshot(Source, c.now(), entries)
}

// TokenOf applies the configured token function.
func (c *Cluster) TokenOf(ctx context.Context, key ring.Key) (ring.Token, error) {
	if err := ctx.Err(); err != nil {
		return 0, cluster.Classify(err, "token of %s", key)
	}
	if len(key) != c.cfg.KeyParts {
		return 0, cluster.Errorf(cluster.ErrConfiguration,
			"key %q has %d components, partition key has %d", key, len(key), c.cfg.KeyParts)
	}
	return c.cfg.TokenFunc(key), nil
}

// Stop marks a node Down.
func (c *Cluster) Stop(ctx context.Context, node cluster.Node) error {
	return c.set(ctx, node, true)
}

// Start marks a node Up.
func (c *Cluster) Start(ctx context.Context, node cluster.Node) error {
	return c.set(ctx, node, false)
}

func (c *Cluster) set(ctx context.Context, node cluster.Node, down bool) error {
	if err := ctx.Err(); err != nil {
		return cluster.Classify(err, "sim %s", node)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.findLocked(node)
	if err != nil {
		return err
	}
	if m.down == down {
		return controlplane.ErrAlreadyInState
	}
	m.down = down
	c.log.V(1).Info("node state changed", "node", m.node.String(), "down", down)
	return nil
}

func (c *Cluster) findLocked(node cluster.Node) (*member, error) {
	for _, m := range c.members {
		if m.node.Same(node) || (node.ID != "" && m.node.ID == node.ID) {
			return m, nil
		}
	}
	return nil, cluster.Errorf(cluster.ErrConfiguration, "node %s is not part of the simulated cluster", node)
}

// Store returns the rows held by node.
func (c *Cluster) Store(node cluster.Node) (storage.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.findLocked(node)
	if err != nil {
		return nil, err
	}
	return m.store, nil
}

// Nodes lists the physical nodes in declaration order.
func (c *Cluster) Nodes() []cluster.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cluster.Node, len(c.members))
	for i, m := range c.members {
		out[i] = m.node
	}
	return out
}

// Execute routes one statement. A statement starting with SELECT is a read;
// anything else is a write.
func (c *Cluster) Execute(ctx context.Context, st tracer.Statement, traced bool) (tracer.Result, error) {
	if err := ctx.Err(); err != nil {
		return tracer.Result{}, cluster.Classify(err, "sim execute")
	}
	if len(st.Args) < c.cfg.KeyParts {
		return tracer.Result{}, cluster.Errorf(cluster.ErrConfiguration,
			"statement binds %d values, partition key has %d", len(st.Args), c.cfg.KeyParts)
	}
	key := make(ring.Key, c.cfg.KeyParts)
	for i := range key {
		key[i] = fmt.Sprint(st.Args[i])
	}
	token := c.cfg.TokenFunc(key)
	read := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(st.Query)), "SELECT")

	c.mu.Lock()
	defer c.mu.Unlock()

	model, err := ring.Build(c.snapshotLocked())
	if err != nil {
		return tracer.Result{}, err
	}

	var live []*member
	for _, m := range c.members {
		if !m.down {
			live = append(live, m)
		}
	}
	if len(live) == 0 {
		return tracer.Result{}, cluster.Errorf(cluster.ErrConnectivity, "no live nodes in the simulated cluster")
	}
	coord := live[c.rng.Intn(len(live))]

	var replicas []*member
	for _, n := range model.Replicas(token, c.cfg.RF) {
		m, _ := c.findLocked(n)
		if !m.down {
			replicas = append(replicas, m)
		}
	}
	if len(replicas) == 0 {
		return tracer.Result{}, cluster.Errorf(cluster.ErrConnectivity,
			"no live replica for token %s (rf %d)", token, c.cfg.RF)
	}

	tb := newTraceBuilder(c.now(), coord.node.Addr, st)
	tb.add(coord, "Parsing "+st.Query)
	tb.add(coord, "Preparing statement")

	partition := key.String()
	var rows int
	if read {
		target := replicas[0]
		if i := slices.Index(replicas, coord); i >= 0 {
			target = replicas[i]
		}
		rows = c.readLocked(tb, coord, target, partition)
	} else {
		row := []byte(fmt.Sprint(st.Args...))
		for _, r := range replicas {
			c.writeLocked(tb, coord, r, partition, row)
		}
	}

	res := tracer.Result{Rows: rows}
	if traced && !c.cfg.DropTraces {
		res.Trace = tb.build()
	}
	return res, nil
}

func (c *Cluster) readLocked(tb *traceBuilder, coord, replica *member, partition string) int {
	local := replica == coord
	if !local {
		tb.add(coord, "Sending READ message to /"+replica.node.Addr)
		tb.add(replica, "READ message received from /"+coord.node.Addr)
	}
	tb.add(replica, "Executing single-partition query on "+partition)
	rows, err := replica.store.Rows(partition, 0)
	if err != nil {
		rows = nil
	}
	tb.add(replica, fmt.Sprintf("Read %d live rows", len(rows)))
	if !local {
		tb.add(replica, "Enqueuing response to /"+coord.node.Addr)
		tb.add(coord, "Processing response from /"+replica.node.Addr)
	}
	return len(rows)
}

func (c *Cluster) writeLocked(tb *traceBuilder, coord, replica *member, partition string, row []byte) {
	local := replica == coord
	if !local {
		tb.add(coord, "Sending MUTATION message to /"+replica.node.Addr)
		tb.add(replica, "MUTATION message received from /"+coord.node.Addr)
	}
	tb.add(replica, "Appending to commitlog")
	_ = replica.store.Append(partition, row)
	tb.add(replica, "Adding to "+partition+" memtable")
	if !local {
		tb.add(replica, "Enqueuing response to /"+coord.node.Addr)
		tb.add(coord, "Processing response from /"+replica.node.Addr)
	}
}
