// Package cluster holds the vocabulary shared by every ringprobe component:
// the Node type as the storage cluster reports it, the error taxonomy used to
// classify failures, the address registry that maps store-reported addresses
// to container or VM names, and small JSON-over-HTTP helpers used to talk to
// the control-plane agent.
//
// # Nodes
//
// A Node is identified by the address the store itself reports (listen
// address, trace source, trace coordinator). The ID is a friendly name used
// for display and for control-plane targeting:
//
//	node := cluster.Node{ID: "cassandra-1", Addr: "172.18.0.2", Status: cluster.StatusUp}
//
// Node.Same compares identities and ignores status, so a node observed Up
// before a failure and Down afterwards is still the same node.
//
// # Error Taxonomy
//
// Every failure surfaced by ringprobe wraps exactly one sentinel:
//
//	ErrConfiguration      - empty or malformed ring, unsupported layout
//	ErrConnectivity       - cluster or control plane unreachable
//	ErrTimeout            - bounded wait exceeded
//	ErrInvariantViolation - ring snapshot internally inconsistent
//	ErrOperation          - control-plane action rejected or had no effect
//	ErrVerificationFailure - rerouting policy violated (an outcome, not a phase error)
//
// Connectivity, timeout and operation errors are the infrastructure class:
// they abort the current scenario phase and are never retried automatically.
//
// # Address Registry
//
// Registry is built once from configuration and is read-only afterwards:
//
//	reg, err := cluster.NewRegistry(cfg.Registry)
//	owner := reg.Lookup("172.18.0.4") // cassandra-3
//
// # Concurrency Model
//
// Node values are plain values. Registry is immutable after construction and
// safe for concurrent readers. PostJSON uses one shared http.Client and is
// bounded only by the caller's context.
package cluster
