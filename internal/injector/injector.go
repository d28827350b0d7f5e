// Package injector stops and restarts store nodes through a control plane
// while tracking each node's lifecycle:
//
//	Idle ──Stop──▶ Stopping ──▶ Stopped ──Restart──▶ Restarting ──▶ Running
//	                              ▲                                    │
//	                              └───────────────Stop─────────────────┘
//
// A transition is recorded, with its timestamp, only when the control plane
// confirms it. A rejected or failed request leaves the state untouched.
// Nothing is retried.
package injector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/logging"
)

// State is the injector's view of a node's lifecycle.
type State string

const (
	StateIdle       State = "Idle"
	StateStopping   State = "Stopping"
	StateStopped    State = "Stopped"
	StateRestarting State = "Restarting"
	StateRunning    State = "Running"
)

// Transition is one audit log entry.
type Transition struct {
	Node cluster.Node `json:"node"`
	From State        `json:"from"`
	To   State        `json:"to"`
	At   time.Time    `json:"at"`
}

// Injector drives node failures. It is safe for concurrent use, though a
// scenario only ever issues one request at a time.
type Injector struct {
	mu          sync.Mutex
	cp          controlplane.ControlPlane
	timeout     time.Duration
	states      map[string]State
	transitions []Transition
	now         func() time.Time
	log         *logging.Logger
}

// New creates an injector. timeout bounds every control-plane call; zero
// leaves the caller's context as the only bound.
func New(cp controlplane.ControlPlane, timeout time.Duration, log logr.Logger) *Injector {
	return &Injector{
		cp:      cp,
		timeout: timeout,
		states:  make(map[string]State),
		now:     time.Now,
		log:     logging.NewLogger(log, "injector"),
	}
}

// Stop stops node. It is allowed from Idle or Running. It fails with
// cluster.ErrOperation when the node is already Stopped (here or according
// to the control plane) or the control plane rejects the request.
func (i *Injector) Stop(ctx context.Context, node cluster.Node) error {
	return i.apply(ctx, node, controlplane.ActionStop,
		[]State{StateIdle, StateRunning}, StateStopping, StateStopped)
}

// Restart starts a node previously stopped by this injector. It is allowed
// only from Stopped.
func (i *Injector) Restart(ctx context.Context, node cluster.Node) error {
	return i.apply(ctx, node, controlplane.ActionStart,
		[]State{StateStopped}, StateRestarting, StateRunning)
}

func (i *Injector) apply(ctx context.Context, node cluster.Node, action string, from []State, via, to State) error {
	key := node.Key()

	i.mu.Lock()
	prev := i.stateLocked(key)
	if !slices.Contains(from, prev) {
		i.mu.Unlock()
		return cluster.Errorf(cluster.ErrOperation, "cannot %s %s: node is %s", action, node, prev)
	}
	i.states[key] = via
	i.mu.Unlock()

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	done := i.log.Track(action+"_node", logging.ActionParams{"node": node.ID, "addr": node.Addr})
	started := i.now()
	err := controlplane.Do(ctx, i.cp, node, action)
	done(err)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.states[key] = prev
		return classify(err, action, node)
	}
	i.states[key] = to
	i.transitions = append(i.transitions,
		Transition{Node: node, From: prev, To: via, At: started},
		Transition{Node: node, From: via, To: to, At: i.now()},
	)
	return nil
}

func (i *Injector) stateLocked(key string) State {
	if s, ok := i.states[key]; ok {
		return s
	}
	return StateIdle
}

// State returns the lifecycle state of node.
func (i *Injector) State(node cluster.Node) State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stateLocked(node.Key())
}

// Status returns Down for a node this injector holds stopped (or is
// stopping), Up otherwise.
func (i *Injector) Status(node cluster.Node) cluster.Status {
	switch i.State(node) {
	case StateStopping, StateStopped:
		return cluster.StatusDown
	default:
		return cluster.StatusUp
	}
}

// Transitions returns a copy of the audit log in the order recorded.
func (i *Injector) Transitions() []Transition {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Transition, len(i.transitions))
	copy(out, i.transitions)
	return out
}

func classify(err error, action string, node cluster.Node) error {
	if errors.Is(err, controlplane.ErrAlreadyInState) {
		return fmt.Errorf("%w: %s %s had no effect: %w", cluster.ErrOperation, action, node, err)
	}
	err = cluster.Classify(err, "%s %s", action, node)
	if cluster.IsKnown(err) {
		return err
	}
	return fmt.Errorf("%w: %w", cluster.ErrOperation, err)
}
