// Package topology supplies ring snapshots and partition tokens from the
// store. It owns every parser and query that turns cluster metadata into
// ring.Entry values; ownership math stays in package ring.
//
// Providers:
//   - CQL: tokens from system.local / system.peers, liveness from TCP probes
//   - Nodetool: parses `nodetool ring` output, run locally or via docker exec
//   - Static: a ring declared in configuration
//
// Every provider returns a fresh, immutable ring.Snapshot per call; callers
// fetch a new one whenever topology may have changed.
package topology

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
)

// Provider supplies the current (token, node, status) ring.
type Provider interface {
	Snapshot(ctx context.Context) (ring.Snapshot, error)
}

// TokenSource asks the store for the token of a partition key. ringprobe
// never re-implements the store's partitioner hash.
type TokenSource interface {
	TokenOf(ctx context.Context, key ring.Key) (ring.Token, error)
}

// StaticNode declares one node of a static ring.
type StaticNode struct {
	Node   cluster.Node
	Tokens []ring.Token
}

// Static serves a ring declared in configuration. Status can be changed
// with SetStatus so tests and dry runs can model a stopped node.
type Static struct {
	mu    sync.RWMutex
	nodes []StaticNode
	down  map[string]bool
	now   func() time.Time
}

// NewStatic builds a static provider. Nodes without a status are Up.
func NewStatic(nodes []StaticNode) *Static {
	s := &Static{
		nodes: make([]StaticNode, len(nodes)),
		down:  make(map[string]bool),
		now:   time.Now,
	}
	copy(s.nodes, nodes)
	for _, n := range nodes {
		if n.Node.Status == cluster.StatusDown {
			s.down[n.Node.Key()] = true
		}
	}
	return s
}

// SetStatus marks a node Up or Down in subsequent snapshots.
func (s *Static) SetStatus(n cluster.Node, status cluster.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[n.Key()] = status == cluster.StatusDown
}

// Snapshot returns the declared ring.
func (s *Static) Snapshot(ctx context.Context) (ring.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return ring.Snapshot{}, cluster.Classify(err, "static snapshot")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []ring.Entry
	for _, sn := range s.nodes {
		node := sn.Node.WithStatus(cluster.StatusUp)
		if s.down[node.Key()] {
			node.Status = cluster.StatusDown
		}
		for _, t := range sn.Tokens {
			entries = append(entries, ring.Entry{Token: t, Node: node})
		}
	}
	return ring.NewSnapshot("static", s.now(), entries), nil
}
