// Package ring models token ring ownership for a partitioned, replicated
// store and resolves which node owns a given token.
//
// # Overview
//
// A store using consistent hashing places every node at one or more tokens on
// a cyclic 64-bit domain. A partition key is hashed by the store to a token,
// and the node holding the next token clockwise owns it:
//
//	        MinToken ───────────────────────────▶ MaxToken
//	            │        │             │             │
//	            │   A@10 │        B@50 │        C@90 │
//	            │        │             │             │
//	   (90,10] ─┘ (10,50]┘     (50,90] ┘  wraps to A ┘
//
// # Core Types
//
// Token: a signed 64-bit ring position (Murmur3 partitioner domain).
//
// Key: the ordered partition key components of an application row. The
// store, not this package, maps a Key to a Token.
//
// Snapshot: an immutable, token-ordered list of (Token, Node) entries
// captured from the cluster, including each node's Up/Down status. Snapshots
// are never mutated; a new one is fetched whenever topology may have
// changed. Live() narrows a snapshot to nodes not reported Down.
//
// Model: a validated snapshot ready for ownership resolution.
//
// # Ownership Rule
//
// owner(t) is the node holding the smallest token >= t; when t is above the
// largest token, ownership wraps to the node holding the smallest token.
// Ring tokens are inclusive upper bounds of the ranges they own.
//
// # Validation
//
//   - Empty snapshot: cluster.ErrConfiguration
//   - Token without node: cluster.ErrConfiguration
//   - Same token on two distinct nodes: cluster.ErrInvariantViolation
//
// # Concurrency Model
//
// Model and Snapshot are immutable values. Resolve is a pure binary search
// with no shared mutable state and is safe to call from any number of
// goroutines, provided each works from a Model it obtained from Build.
//
// # Usage Example
//
//	snap, err := provider.Snapshot(ctx)
//	if err != nil {
//	    return err
//	}
//	model, err := ring.Build(snap)
//	if err != nil {
//	    return err
//	}
//	owner := model.Resolve(token)
//	replicas := model.Replicas(token, 3)
package ring
