package ring

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// Entry assigns one token to one physical node.
type Entry struct {
	Token Token        `json:"token" yaml:"token"`
	Node  cluster.Node `json:"node" yaml:"node"`
}

// Snapshot is a point-in-time view of the ring as reported by the cluster.
// It is never mutated once captured: when topology may have changed a new
// snapshot is fetched. Accessors return copies.
type Snapshot struct {
	// Source names where the snapshot came from ("cql", "nodetool", "static", "sim").
	Source string
	// CapturedAt is when the provider observed the ring.
	CapturedAt time.Time

	entries []Entry
}

// NewSnapshot copies entries into a snapshot ordered by token. It does not
// validate them; Build does.
func NewSnapshot(source string, at time.Time, entries []Entry) Snapshot {
	cp := slices.Clone(entries)
	slices.SortStableFunc(cp, func(a, b Entry) int {
		switch {
		case a.Token < b.Token:
			return -1
		case a.Token > b.Token:
			return 1
		default:
			return 0
		}
	})
	return Snapshot{Source: source, CapturedAt: at, entries: cp}
}

// Entries returns a copy of the token assignments in token order.
func (s Snapshot) Entries() []Entry {
	return slices.Clone(s.entries)
}

// Len returns the number of token assignments.
func (s Snapshot) Len() int {
	return len(s.entries)
}

// Nodes returns the distinct physical nodes in order of first token.
func (s Snapshot) Nodes() []cluster.Node {
	seen := make(map[string]bool, len(s.entries))
	var out []cluster.Node
	for _, e := range s.entries {
		if seen[e.Node.Key()] {
			continue
		}
		seen[e.Node.Key()] = true
		out = append(out, e.Node)
	}
	return out
}

// Node returns the snapshot's view of n (including its status).
func (s Snapshot) Node(n cluster.Node) (cluster.Node, bool) {
	for _, e := range s.entries {
		if e.Node.Same(n) {
			return e.Node, true
		}
	}
	return cluster.Node{}, false
}

// Live returns a snapshot containing only the entries of nodes not reported
// Down. Unknown status counts as live.
func (s Snapshot) Live() Snapshot {
	live := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Node.Status != cluster.StatusDown {
			live = append(live, e)
		}
	}
	return Snapshot{Source: s.Source, CapturedAt: s.CapturedAt, entries: live}
}

// Pair is the status-free (token, node) identity of an entry.
type Pair struct {
	Token Token
	Node  string
}

// Pairs returns the (token, node identity) set in token order.
func (s Snapshot) Pairs() []Pair {
	out := make([]Pair, len(s.entries))
	for i, e := range s.entries {
		out[i] = Pair{Token: e.Token, Node: e.Node.Key()}
	}
	return out
}

// SamePairs reports whether a and b assign the same tokens to the same
// nodes, ignoring status and capture time.
func SamePairs(a, b Snapshot) bool {
	return slices.Equal(a.Pairs(), b.Pairs())
}

// StatusChange records a node whose status differs between two snapshots.
type StatusChange struct {
	Node cluster.Node
	From cluster.Status
	To   cluster.Status
}

// Delta describes how the ring changed between two snapshots.
type Delta struct {
	Added         []cluster.Node
	Removed       []cluster.Node
	StatusChanged []StatusChange
	TokensChanged bool
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.StatusChanged) == 0 && !d.TokensChanged
}

// Diff compares the membership and status of two snapshots.
func Diff(before, after Snapshot) Delta {
	var d Delta
	afterNodes := after.Nodes()
	for _, b := range before.Nodes() {
		a, ok := after.Node(b)
		if !ok {
			d.Removed = append(d.Removed, b)
			continue
		}
		if a.Status != b.Status {
			d.StatusChanged = append(d.StatusChanged, StatusChange{Node: a, From: b.Status, To: a.Status})
		}
	}
	for _, a := range afterNodes {
		if _, ok := before.Node(a); !ok {
			d.Added = append(d.Added, a)
		}
	}
	d.TokensChanged = !SamePairs(before, after)
	return d
}
