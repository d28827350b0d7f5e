// Package ring implements token ring ownership resolution.
// See doc.go for complete package documentation.
package ring

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// Model resolves token ownership over one immutable snapshot.
//
// The ownership rule is the single rule used everywhere in ringprobe:
//
//	owner(t) = node holding the smallest ring token >= t,
//	           or the node holding the globally smallest token if none exists
//
// so each node owns the half-open range (previous token, own token], and the
// node with the smallest token also owns everything above the largest token.
//
// Architecture:
//
//	┌──────────────────────────────────────┐
//	│                Model                 │
//	├──────────────────────────────────────┤
//	│  tokens: [10, 50, 90]   (sorted)     │
//	│  owners: [A,  B,  C ]   (parallel)   │
//	├──────────────────────────────────────┤
//	│  Resolve(30) → search → 50 → B       │
//	│  Resolve(95) → search → end → wrap A │
//	└──────────────────────────────────────┘
//
// Concurrency Model:
//   - A Model is never mutated after Build
//   - Resolve performs a binary search and allocates nothing
//   - Safe for any number of concurrent callers without locking
//
// Performance Characteristics:
//   - Build: O(n log n) - Sort and validate n entries
//   - Resolve: O(log n) - Binary search
//   - Replicas: O(n) worst case - Clockwise walk
type Model struct {
	// tokens holds the ring tokens in strictly increasing order.
	tokens []Token

	// owners[i] is the node holding tokens[i].
	owners []cluster.Node

	snapshot Snapshot
}

// Build validates a snapshot and prepares it for resolution.
//
// Validation:
//  1. An empty snapshot is rejected with cluster.ErrConfiguration
//  2. An entry without node identity is rejected with cluster.ErrConfiguration
//  3. The same token claimed by two distinct nodes is rejected with
//     cluster.ErrInvariantViolation
//  4. The same (token, node) pair listed twice is collapsed
//
// Several tokens may belong to one physical node (virtual nodes); that does
// not violate the one-owner-per-token invariant.
//
// Example:
//
//	snap := ring.NewSnapshot("static", time.Now(), []ring.Entry{
//	    {Token: 10, Node: a}, {Token: 50, Node: b}, {Token: 90, Node: c},
//	})
//	model, err := ring.Build(snap)
//	if err != nil {
//	    return err
//	}
//	owner := model.Resolve(75) // c
func Build(s Snapshot) (*Model, error) {
	if s.Len() == 0 {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "ring snapshot is empty")
	}

	m := &Model{
		tokens: make([]Token, 0, s.Len()),
		owners: make([]cluster.Node, 0, s.Len()),
	}
	kept := make([]Entry, 0, s.Len())

	// NewSnapshot already ordered the entries by token
	for _, e := range s.entries {
		if e.Node.IsZero() {
			return nil, cluster.Errorf(cluster.ErrConfiguration, "token %s has no owning node", e.Token)
		}
		if n := len(m.tokens); n > 0 && m.tokens[n-1] == e.Token {
			if m.owners[n-1].Same(e.Node) {
				continue
			}
			return nil, cluster.Errorf(cluster.ErrInvariantViolation,
				"token %s claimed by both %s and %s", e.Token, m.owners[n-1], e.Node)
		}
		m.tokens = append(m.tokens, e.Token)
		m.owners = append(m.owners, e.Node)
		kept = append(kept, e)
	}

	m.snapshot = Snapshot{Source: s.Source, CapturedAt: s.CapturedAt, entries: kept}
	return m, nil
}

// Resolve returns the node owning token t.
//
// The result is a pure function of the snapshot and t: calling Resolve twice
// with the same token always returns the same node. Every token in the
// domain resolves to exactly one owner.
//
// Example (ring {10→A, 50→B, 90→C}):
//
//	Resolve(95) // A, wraps past the largest token
//	Resolve(30) // B
//	Resolve(90) // C, inclusive upper bound
//	Resolve(10) // A, inclusive upper bound of the smallest token
func (m *Model) Resolve(t Token) cluster.Node {
	return m.owners[m.index(t)]
}

// OwnerToken returns the ring token whose range contains t.
func (m *Model) OwnerToken(t Token) Token {
	return m.tokens[m.index(t)]
}

func (m *Model) index(t Token) int {
	i, _ := slices.BinarySearch(m.tokens, t)
	if i == len(m.tokens) {
		return 0
	}
	return i
}

// Replicas returns up to rf distinct physical nodes responsible for token t,
// starting with the owner and walking clockwise (SimpleStrategy placement).
// Fewer than rf nodes are returned when the ring has fewer physical nodes.
func (m *Model) Replicas(t Token, rf int) []cluster.Node {
	if rf <= 0 {
		return nil
	}
	start := m.index(t)
	out := make([]cluster.Node, 0, rf)
	for step := 0; step < len(m.tokens) && len(out) < rf; step++ {
		n := m.owners[(start+step)%len(m.tokens)]
		if slices.ContainsFunc(out, n.Same) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Nodes returns the distinct physical nodes of the ring.
func (m *Model) Nodes() []cluster.Node {
	return m.snapshot.Nodes()
}

// Snapshot returns the validated snapshot the model was built from.
func (m *Model) Snapshot() Snapshot {
	return m.snapshot
}

// Len returns the number of tokens on the ring.
func (m *Model) Len() int {
	return len(m.tokens)
}

// Range is the half-open token range (Start, End] owned by Owner.
// Wraps is set for the range that crosses from MaxToken to MinToken.
type Range struct {
	Start Token
	End   Token
	Owner cluster.Node
	Wraps bool
}

// Contains reports whether t falls in the range, honouring wrap-around.
func (r Range) Contains(t Token) bool {
	if r.Start == r.End {
		// a single-token ring owns everything
		return true
	}
	if r.Wraps {
		return t > r.Start || t <= r.End
	}
	return t > r.Start && t <= r.End
}

// Ranges lists the range owned by every ring token in token order.
func (m *Model) Ranges() []Range {
	out := make([]Range, len(m.tokens))
	for i := range m.tokens {
		prev := m.tokens[len(m.tokens)-1]
		if i > 0 {
			prev = m.tokens[i-1]
		}
		out[i] = Range{
			Start: prev,
			End:   m.tokens[i],
			Owner: m.owners[i],
			Wraps: prev >= m.tokens[i],
		}
	}
	return out
}

// Ownership returns the fraction of the token domain owned by each physical
// node, keyed by Node.Key.
func (m *Model) Ownership() map[string]float64 {
	const domain = 18446744073709551616.0 // 2^64
	out := make(map[string]float64)
	for _, r := range m.Ranges() {
		// unsigned subtraction yields the cyclic width; 0 means the whole ring
		width := uint64(r.End) - uint64(r.Start)
		share := 1.0
		if width != 0 {
			share = float64(width) / domain
		}
		out[r.Owner.Key()] += share
	}
	return out
}
