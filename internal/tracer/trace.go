// Package tracer runs a representative read or write against the store with
// request tracing enabled and turns the store's trace into a causal timeline
// of events, each tagged with the role its node played.
package tracer

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// Role is the part a node played in one traced operation.
type Role string

const (
	RoleCoordinator Role = "COORDINATOR"
	RoleReplica     Role = "REPLICA"
)

// Event is one normalized trace event.
type Event struct {
	Source      cluster.Node  `json:"source"`
	Elapsed     time.Duration `json:"elapsed"`
	Description string        `json:"description"`
	Thread      string        `json:"thread,omitempty"`
	Role        Role          `json:"role"`
}

// Trace is the normalized record of one traced operation.
//
// Available is false when the store did not return trace metadata. Such a
// trace has no coordinator and no events, and is not an error.
type Trace struct {
	ID          string            `json:"id,omitempty"`
	Operation   string            `json:"operation"`
	Coordinator cluster.Node      `json:"coordinator"`
	Duration    time.Duration     `json:"duration"`
	Request     string            `json:"request,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	Events      []Event           `json:"events"`
	Rows        int               `json:"rows"`
	Available   bool              `json:"available"`
}

// InvolvedNodes lists the coordinator and every event source, once each, in
// order of first appearance.
func (t Trace) InvolvedNodes() []cluster.Node {
	var out []cluster.Node
	add := func(n cluster.Node) {
		if n.IsZero() || slices.ContainsFunc(out, n.Same) {
			return
		}
		out = append(out, n)
	}
	if t.Available {
		add(t.Coordinator)
	}
	for _, e := range t.Events {
		add(e.Source)
	}
	return out
}

// Involves reports whether n coordinated or produced any event.
func (t Trace) Involves(n cluster.Node) bool {
	return slices.ContainsFunc(t.InvolvedNodes(), n.Same)
}

// RawEvent is one row of the store's event log, before normalization.
type RawEvent struct {
	Source   string
	Elapsed  time.Duration
	Activity string
	Thread   string
}

// RawTrace is the store's trace metadata, before normalization.
type RawTrace struct {
	ID          string
	Coordinator string
	Duration    time.Duration
	Request     string
	Parameters  map[string]string
	StartedAt   time.Time
	Events      []RawEvent
}

// Normalize converts a raw trace: addresses become registry nodes and each
// event is tagged RoleCoordinator when its source is the coordinator,
// RoleReplica otherwise. Events keep the store's order, which is event time;
// Elapsed is measured on the event's own source node, so it is not a global
// ordering key.
func Normalize(op string, raw RawTrace, reg *cluster.Registry) Trace {
	coord := reg.Lookup(raw.Coordinator)
	t := Trace{
		ID:          raw.ID,
		Operation:   op,
		Coordinator: coord,
		Duration:    raw.Duration,
		Request:     raw.Request,
		Parameters:  raw.Parameters,
		StartedAt:   raw.StartedAt,
		Events:      make([]Event, 0, len(raw.Events)),
		Available:   true,
	}
	for _, re := range raw.Events {
		src := reg.Lookup(re.Source)
		role := RoleReplica
		if src.Same(coord) {
			role = RoleCoordinator
		}
		t.Events = append(t.Events, Event{
			Source:      src,
			Elapsed:     re.Elapsed,
			Description: re.Activity,
			Thread:      re.Thread,
			Role:        role,
		})
	}
	return t
}
