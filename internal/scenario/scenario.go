// Package scenario sequences one failure-injection run:
//
//	CAPTURE_BEFORE → RESOLVE_OWNER → INJECT_FAILURE → WAIT_CONVERGENCE
//	  → CAPTURE_AFTER → VERIFY → [RECOVER → CAPTURE_RECOVERY]
//
// Phases run strictly one after another; each completes, with its side
// effects confirmed, before the next starts. An infrastructure failure
// aborts the run with a *PhaseError naming the phase. A verification
// failure does not: it is recorded in Result.Verification and the run
// completes.
package scenario

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/convergence"
	"github.com/dreamware/ringprobe/internal/injector"
	"github.com/dreamware/ringprobe/internal/logging"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/topology"
	"github.com/dreamware/ringprobe/internal/tracer"
	"github.com/dreamware/ringprobe/internal/verify"
)

// Phase names one step of a run.
type Phase string

const (
	PhaseCaptureBefore   Phase = "CAPTURE_BEFORE"
	PhaseResolveOwner    Phase = "RESOLVE_OWNER"
	PhaseInjectFailure   Phase = "INJECT_FAILURE"
	PhaseWaitConvergence Phase = "WAIT_CONVERGENCE"
	PhaseCaptureAfter    Phase = "CAPTURE_AFTER"
	PhaseVerify          Phase = "VERIFY"
	PhaseRecover         Phase = "RECOVER"
	PhaseCaptureRecovery Phase = "CAPTURE_RECOVERY"
)

// PhaseError attaches the failing phase to an infrastructure error.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FailureInjector stops and restarts nodes.
type FailureInjector interface {
	Stop(ctx context.Context, node cluster.Node) error
	Restart(ctx context.Context, node cluster.Node) error
	Transitions() []injector.Transition
}

// OperationTracer runs traced operations.
type OperationTracer interface {
	Execute(ctx context.Context, op tracer.Operation, key ring.Key) (tracer.Trace, error)
}

// Config wires the collaborators of an orchestrator.
type Config struct {
	Provider    topology.Provider
	Tokens      topology.TokenSource
	Injector    FailureInjector
	Tracer      OperationTracer
	Convergence convergence.Policy
	Confirmer   Confirmer

	// Operations run after the failure, in order. The first one is also
	// the baseline taken before the failure and after recovery.
	Operations []tracer.Operation

	// Recover restarts the stopped node at the end of the run.
	Recover bool

	Log logr.Logger
}

// PhaseTiming records when a phase ran and how it ended.
type PhaseTiming struct {
	Phase    Phase         `json:"phase"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is everything observed during one run. Fields for phases that did
// not run are left zero.
type Result struct {
	RunID      string         `json:"runId"`
	Key        ring.Key       `json:"key"`
	Token      ring.Token     `json:"token"`
	Target     cluster.Node   `json:"target"`
	OwnerAfter cluster.Node   `json:"ownerAfter"`
	Replicas   []cluster.Node `json:"replicas,omitempty"`

	Before   ring.Snapshot  `json:"-"`
	After    *ring.Snapshot `json:"-"`
	Recovery *ring.Snapshot `json:"-"`
	Delta    ring.Delta     `json:"delta"`

	BaselineTrace tracer.Trace   `json:"baselineTrace"`
	AfterTraces   []tracer.Trace `json:"afterTraces,omitempty"`
	RecoveryTrace *tracer.Trace  `json:"recoveryTrace,omitempty"`

	Checks       []verify.Result `json:"checks,omitempty"`
	Verification verify.Result   `json:"verification"`

	// Unsupported is set when the ring cannot demonstrate rerouting; the
	// run then stops at VERIFY without touching any node.
	Unsupported bool `json:"unsupported"`

	Recovered       bool `json:"recovered"`
	RecoveryMatches bool `json:"recoveryMatches"`

	Transitions []injector.Transition `json:"transitions,omitempty"`
	Convergence []convergence.Result  `json:"convergence,omitempty"`
	Phases      []PhaseTiming         `json:"phases"`
	StartedAt   time.Time             `json:"startedAt"`
	FinishedAt  time.Time             `json:"finishedAt"`
}

// Err reports the run's verdict as an error: nil on success,
// cluster.ErrConfiguration for an unsupported ring and
// cluster.ErrVerificationFailure for a failed check or a ring that did not
// recover to its original token assignment.
func (r *Result) Err() error {
	if err := r.Verification.AsError(); err != nil {
		return err
	}
	if r.Recovered && !r.RecoveryMatches {
		return cluster.Errorf(cluster.ErrVerificationFailure, "ring after recovery differs from ring before failure")
	}
	return nil
}

// Orchestrator runs scenarios. It owns the last resolved owner per key;
// nothing is shared between orchestrators.
type Orchestrator struct {
	cfg Config
	log *logging.Logger

	mu     sync.Mutex
	owners map[string]cluster.Node
}

// New validates cfg and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Provider == nil:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "scenario needs a topology provider")
	case cfg.Tokens == nil:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "scenario needs a token source")
	case cfg.Injector == nil:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "scenario needs a failure injector")
	case cfg.Tracer == nil:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "scenario needs an operation tracer")
	case len(cfg.Operations) == 0:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "scenario needs at least one operation")
	}
	if cfg.Convergence == nil {
		cfg.Convergence = convergence.FixedDelay{Delay: convergence.DefaultDelay}
	}
	if cfg.Confirmer == nil {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "scenario needs a confirmer for destructive actions")
	}
	return &Orchestrator{
		cfg:    cfg,
		log:    logging.NewLogger(cfg.Log, "scenario"),
		owners: make(map[string]cluster.Node),
	}, nil
}

// LastOwner returns the owner most recently resolved for key by this
// orchestrator.
func (o *Orchestrator) LastOwner(key ring.Key) (cluster.Node, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, ok := o.owners[key.String()]
	return n, ok
}

func (o *Orchestrator) setOwner(key ring.Key, n cluster.Node) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[key.String()] = n
}

// Run executes one scenario for key. The partial Result is returned
// alongside any error so callers can still report what was observed.
func (o *Orchestrator) Run(ctx context.Context, key ring.Key) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		Key:       key,
		StartedAt: time.Now(),
	}
	defer func() {
		res.Transitions = o.cfg.Injector.Transitions()
		res.FinishedAt = time.Now()
	}()
	baselineOp := o.cfg.Operations[0]

	var before *ring.Model
	err := o.phase(ctx, res, PhaseCaptureBefore, func(ctx context.Context) error {
		snap, err := o.cfg.Provider.Snapshot(ctx)
		if err != nil {
			return err
		}
		if before, err = ring.Build(snap); err != nil {
			return err
		}
		res.Before = before.Snapshot()
		res.BaselineTrace, err = o.cfg.Tracer.Execute(ctx, baselineOp, key)
		return err
	})
	if err != nil {
		return res, err
	}

	err = o.phase(ctx, res, PhaseResolveOwner, func(ctx context.Context) error {
		tok, err := o.cfg.Tokens.TokenOf(ctx, key)
		if err != nil {
			return err
		}
		res.Token = tok
		res.Target = before.Resolve(tok)
		res.Replicas = before.Replicas(tok, len(before.Nodes()))
		o.setOwner(key, res.Target)
		res.Unsupported = verify.Supports(res.Before) != nil
		return nil
	})
	if err != nil {
		return res, err
	}

	if res.Unsupported {
		// a single-node ring has nowhere to reroute to; never stop the node
		_ = o.phase(ctx, res, PhaseVerify, func(context.Context) error {
			res.Verification = verify.Check(res.BaselineTrace, res.Target, verify.WithRing(res.Before))
			return nil
		})
		return res, nil
	}

	err = o.phase(ctx, res, PhaseInjectFailure, func(ctx context.Context) error {
		prompt := fmt.Sprintf("Stop node %s, owner of key %s (token %s)?", res.Target, key, res.Token)
		if err := o.confirm(ctx, prompt); err != nil {
			return err
		}
		return o.cfg.Injector.Stop(ctx, res.Target)
	})
	if err != nil {
		return res, err
	}

	err = o.phase(ctx, res, PhaseWaitConvergence, func(ctx context.Context) error {
		return o.wait(ctx, res, cluster.StatusDown)
	})
	if err != nil {
		return res, err
	}

	err = o.phase(ctx, res, PhaseCaptureAfter, func(ctx context.Context) error {
		snap, err := o.cfg.Provider.Snapshot(ctx)
		if err != nil {
			return err
		}
		res.After = &snap
		res.Delta = ring.Diff(res.Before, snap)

		live, err := ring.Build(snap.Live())
		if err != nil {
			return err
		}
		res.OwnerAfter = live.Resolve(res.Token)
		o.setOwner(key, res.OwnerAfter)

		for _, op := range o.cfg.Operations {
			tr, err := o.cfg.Tracer.Execute(ctx, op, key)
			if err != nil {
				return err
			}
			res.AfterTraces = append(res.AfterTraces, tr)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	_ = o.phase(ctx, res, PhaseVerify, func(context.Context) error {
		o.verify(res)
		return nil
	})

	if !o.cfg.Recover {
		return res, nil
	}

	err = o.phase(ctx, res, PhaseRecover, func(ctx context.Context) error {
		if err := o.confirm(ctx, fmt.Sprintf("Restart node %s?", res.Target)); err != nil {
			return err
		}
		if err := o.cfg.Injector.Restart(ctx, res.Target); err != nil {
			return err
		}
		return o.wait(ctx, res, cluster.StatusUp)
	})
	if err != nil {
		return res, err
	}

	err = o.phase(ctx, res, PhaseCaptureRecovery, func(ctx context.Context) error {
		snap, err := o.cfg.Provider.Snapshot(ctx)
		if err != nil {
			return err
		}
		res.Recovery = &snap
		res.Recovered = true
		res.RecoveryMatches = ring.SamePairs(res.Before, snap)

		tr, err := o.cfg.Tracer.Execute(ctx, baselineOp, key)
		if err != nil {
			return err
		}
		res.RecoveryTrace = &tr
		return nil
	})
	return res, err
}

func (o *Orchestrator) confirm(ctx context.Context, prompt string) error {
	ok, err := o.cfg.Confirmer.Confirm(ctx, prompt)
	if err != nil {
		return cluster.Classify(err, "confirmation")
	}
	if !ok {
		return ErrDeclined
	}
	return nil
}

func (o *Orchestrator) wait(ctx context.Context, res *Result, status cluster.Status) error {
	cr, err := o.cfg.Convergence.Wait(ctx, o.cfg.Provider, convergence.Target{Node: res.Target, Status: status})
	res.Convergence = append(res.Convergence, cr)
	return err
}

// verify checks every after-trace and folds them into one verdict.
func (o *Orchestrator) verify(res *Result) {
	agg := verify.Result{Passed: true, TraceAvailable: len(res.AfterTraces) > 0}
	for _, tr := range res.AfterTraces {
		c := verify.Check(tr, res.Target, verify.WithBaseline(res.BaselineTrace), verify.WithRing(res.Before))
		res.Checks = append(res.Checks, c)

		agg.Passed = agg.Passed && c.Passed
		agg.CoordinatorChanged = agg.CoordinatorChanged || c.CoordinatorChanged
		agg.TraceAvailable = agg.TraceAvailable && c.TraceAvailable
		if agg.Err == nil {
			agg.Err = c.Err
		}
		for _, v := range c.Violations {
			agg.Violations = append(agg.Violations, tr.Operation+": "+v)
		}
		for _, n := range c.Notes {
			agg.Notes = append(agg.Notes, tr.Operation+": "+n)
		}
		for _, n := range c.InvolvedNodes {
			if !slices.ContainsFunc(agg.InvolvedNodes, n.Same) {
				agg.InvolvedNodes = append(agg.InvolvedNodes, n)
			}
		}
	}
	if res.OwnerAfter.Same(res.Target) {
		agg.Notes = append(agg.Notes, fmt.Sprintf("ring still reports %s up after the failure", res.Target))
	}
	res.Verification = agg
}

func (o *Orchestrator) phase(ctx context.Context, res *Result, p Phase, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &PhaseError{Phase: p, Err: cluster.Classify(err, "before %s", p)}
	}

	done := o.log.Track(strings.ToLower(string(p)), logging.ActionParams{"run": res.RunID, "key": res.Key.String()})
	t := PhaseTiming{Phase: p, Started: time.Now()}
	err := fn(ctx)
	t.Duration = time.Since(t.Started)
	done(err)

	if err != nil {
		t.Error = err.Error()
	}
	res.Phases = append(res.Phases, t)
	if err != nil {
		return &PhaseError{Phase: p, Err: err}
	}
	return nil
}
