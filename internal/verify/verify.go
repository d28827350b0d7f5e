// Package verify decides whether a traced operation was rerouted away from
// a failed node.
//
// An operation passes when its coordinator is not the failed node and no
// trace event originates from the failed node. A violation is a result,
// never an error; Result.Err is only set when the check itself cannot be
// meaningful, as with a single-node ring.
package verify

import (
	"fmt"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/tracer"
)

// Result is the outcome of one check.
type Result struct {
	Passed             bool           `json:"passed"`
	CoordinatorChanged bool           `json:"coordinatorChanged"`
	TraceAvailable     bool           `json:"traceAvailable"`
	InvolvedNodes      []cluster.Node `json:"involvedNodes"`
	Violations         []string       `json:"violations,omitempty"`
	Notes              []string       `json:"notes,omitempty"`
	Err                error          `json:"-"`
}

// AsError returns nil when the check passed, Err when the check could not
// run, and cluster.ErrVerificationFailure listing the violations otherwise.
func (r Result) AsError() error {
	switch {
	case r.Err != nil:
		return r.Err
	case r.Passed:
		return nil
	default:
		return cluster.Errorf(cluster.ErrVerificationFailure, "%v", r.Violations)
	}
}

type options struct {
	baseline *tracer.Trace
	snapshot *ring.Snapshot
}

// Option adds context to a check.
type Option func(*options)

// WithBaseline compares against the trace taken before the failure so the
// result can report whether the coordinator changed.
func WithBaseline(t tracer.Trace) Option {
	return func(o *options) { o.baseline = &t }
}

// WithRing supplies the ring the check ran against. A ring with a single
// physical node cannot demonstrate rerouting and fails the check.
func WithRing(s ring.Snapshot) Option {
	return func(o *options) { o.snapshot = &s }
}

// Supports reports, as cluster.ErrConfiguration, whether rerouting can be
// demonstrated on snap at all.
func Supports(snap ring.Snapshot) error {
	if n := len(snap.Nodes()); n < 2 {
		return cluster.Errorf(cluster.ErrConfiguration,
			"rerouting needs at least two physical nodes, ring has %d", n)
	}
	return nil
}

// Check verifies that trace avoided failed.
func Check(trace tracer.Trace, failed cluster.Node, opts ...Option) Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res := Result{
		TraceAvailable: trace.Available,
		InvolvedNodes:  trace.InvolvedNodes(),
	}

	if o.snapshot != nil {
		if err := Supports(*o.snapshot); err != nil {
			res.Err = err
			res.Violations = append(res.Violations, err.Error())
			return res
		}
	}

	if trace.Available && trace.Coordinator.Same(failed) {
		res.Violations = append(res.Violations,
			fmt.Sprintf("coordinator %s is the failed node", trace.Coordinator))
	}
	for i, e := range trace.Events {
		if e.Source.Same(failed) {
			res.Violations = append(res.Violations,
				fmt.Sprintf("event %d (%q) originated from failed node %s", i, e.Description, e.Source))
		}
	}

	if o.baseline != nil && o.baseline.Available && trace.Available {
		res.CoordinatorChanged = !o.baseline.Coordinator.Same(trace.Coordinator)
	}
	if !trace.Available {
		res.Notes = append(res.Notes, "trace metadata unavailable; only the absence of errors was checked")
	}

	res.Passed = len(res.Violations) == 0
	return res
}
