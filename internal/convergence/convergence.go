// Package convergence decides how long a scenario waits for the cluster to
// notice a topology change. Every delay ringprobe takes between injecting a
// failure and observing its effect goes through a Policy.
//
// Two policies exist:
//   - FixedDelay sleeps a configured duration (default 15s), which is what a
//     human operator does after `docker stop`.
//   - PollUntilStable re-reads the ring until the target node reports the
//     expected status and the ring has looked the same for a number of
//     consecutive polls, bounded by a timeout.
package convergence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/topology"
)

// DefaultDelay is the FixedDelay used when none is configured.
const DefaultDelay = 15 * time.Second

// Target is what the scenario is waiting for: node reaching status.
type Target struct {
	Node   cluster.Node
	Status cluster.Status
}

// Result summarises one wait.
type Result struct {
	Policy  string
	Polls   int
	Elapsed time.Duration
}

// Policy waits until the cluster has converged on target.
type Policy interface {
	Wait(ctx context.Context, p topology.Provider, target Target) (Result, error)
}

// FixedDelay waits a fixed duration and never looks at the ring.
type FixedDelay struct {
	Delay time.Duration
}

// Wait sleeps for the delay or until ctx ends. A cancelled context is
// reported through the error taxonomy.
func (f FixedDelay) Wait(ctx context.Context, _ topology.Provider, _ Target) (Result, error) {
	d := f.Delay
	if d <= 0 {
		d = DefaultDelay
	}
	start := time.Now()
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return Result{Policy: "fixed", Elapsed: time.Since(start)}, nil
	case <-ctx.Done():
		return Result{Policy: "fixed", Elapsed: time.Since(start)}, cluster.Classify(ctx.Err(), "waiting %s", d)
	}
}

// PollUntilStable polls the provider every Interval. It converges once
// target holds and Stable consecutive snapshots agree on tokens, membership
// and status. A failed read resets the count; the error is kept for the
// timeout message.
type PollUntilStable struct {
	Interval time.Duration
	Stable   int
	Timeout  time.Duration
	Log      logr.Logger
}

// Wait polls until converged or the timeout expires (cluster.ErrTimeout).
func (p PollUntilStable) Wait(ctx context.Context, provider topology.Provider, target Target) (Result, error) {
	interval, stable, timeout := p.Interval, p.Stable, p.Timeout
	if interval <= 0 {
		interval = time.Second
	}
	if stable <= 0 {
		stable = 3
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	log := p.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	var (
		res     = Result{Policy: "poll"}
		start   = time.Now()
		prev    ring.Snapshot
		matches int
		lastErr error
	)
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		res.Polls++
		snap, err := provider.Snapshot(ctx)
		if err != nil {
			lastErr = err
			matches = 0
			log.V(1).Info("convergence poll failed", "poll", res.Polls, "error", err.Error())
			return false, nil
		}

		if !reached(snap, target) {
			matches = 0
		} else if matches > 0 && ring.Diff(prev, snap).Empty() {
			matches++
		} else {
			matches = 1
		}
		prev = snap
		log.V(1).Info("convergence poll", "poll", res.Polls, "node", target.Node.String(), "stable", matches)
		return matches >= stable, nil
	})
	res.Elapsed = time.Since(start)

	if err == nil {
		return res, nil
	}
	if wait.Interrupted(err) {
		msg := fmt.Sprintf("%s not observed %s in %d stable polls within %s", target.Node, target.Status, stable, timeout)
		if lastErr != nil {
			msg += fmt.Sprintf(" (last error: %v)", lastErr)
		}
		return res, cluster.Errorf(cluster.ErrTimeout, "%s", msg)
	}
	return res, err
}

// reached reports whether snap shows target. A node missing from the ring
// counts as Down. A provider that reports no liveness ("") is taken as Up;
// StatusUnknown matches neither target.
func reached(snap ring.Snapshot, target Target) bool {
	n, ok := snap.Node(target.Node)
	if !ok {
		return target.Status == cluster.StatusDown
	}
	if n.Status == "" {
		return target.Status == cluster.StatusUp
	}
	return n.Status == target.Status
}
