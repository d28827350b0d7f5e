package topology

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
)

// Peer is one row of system.local or system.peers: a node address and the
// tokens it owns, as text.
type Peer struct {
	Addr   string
	Tokens []string
}

// PeerSource reads ring membership from the store's system tables.
type PeerSource interface {
	Peers(ctx context.Context) ([]Peer, error)
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// CQL builds snapshots from system.local / system.peers. The system tables
// keep listing a stopped node, so each node's status comes from a TCP probe
// of its native transport port. Probes run in parallel, each bounded by the
// provider timeout, and a failed probe marks the node Down. Cancelling ctx
// stops the remaining probes and fails the snapshot.
type CQL struct {
	peers    PeerSource
	registry *cluster.Registry
	port     int
	timeout  time.Duration
	dial     DialFunc
	log      logr.Logger
}

const defaultProbeTimeout = 5 * time.Second

// NewCQL creates a CQL-metadata provider probing port on every node.
func NewCQL(peers PeerSource, reg *cluster.Registry, port int, timeout time.Duration, log logr.Logger) *CQL {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	d := &net.Dialer{Timeout: timeout}
	return &CQL{
		peers:    peers,
		registry: reg,
		port:     port,
		timeout:  timeout,
		dial:     d.DialContext,
		log:      log.WithName("cql-topology"),
	}
}

// Snapshot reads the token table and probes liveness.
func (c *CQL) Snapshot(ctx context.Context) (ring.Snapshot, error) {
	peers, err := c.peers.Peers(ctx)
	if err != nil {
		return ring.Snapshot{}, cluster.Classify(err, "reading system peers")
	}
	if len(peers) == 0 {
		return ring.Snapshot{}, cluster.Errorf(cluster.ErrConfiguration, "system tables list no nodes")
	}

	status := make([]cluster.Status, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			s, err := c.probe(gctx, p.Addr)
			status[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ring.Snapshot{}, err
	}

	var entries []ring.Entry
	for i, p := range peers {
		node := c.registry.Lookup(p.Addr)
		node.Status = status[i]
		for _, raw := range p.Tokens {
			tok, err := ring.ParseToken(raw)
			if err != nil {
				return ring.Snapshot{}, err
			}
			entries = append(entries, ring.Entry{Token: tok, Node: node})
		}
	}
	return ring.NewSnapshot("cql", time.Now(), entries), nil
}

// probe dials addr. A dial failure marks the node Down unless ctx itself
// ended, which aborts the snapshot instead of reporting every node Down.
func (c *CQL) probe(ctx context.Context, addr string) (cluster.Status, error) {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(c.port)))
	if err != nil {
		if ctx.Err() != nil {
			return cluster.StatusUnknown, cluster.Classify(ctx.Err(), "probing %s", addr)
		}
		c.log.V(1).Info("liveness probe failed", "addr", addr, "error", err.Error())
		return cluster.StatusDown, nil
	}
	_ = conn.Close()
	return cluster.StatusUp, nil
}
