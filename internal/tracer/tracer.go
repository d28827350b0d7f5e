package tracer

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
)

// Statement is one query with bind arguments.
type Statement struct {
	Query string
	Args  []any
}

// Result is what the data plane returns for one statement.
type Result struct {
	// Rows is the number of rows a read returned; zero for writes.
	Rows int
	// Trace is nil when tracing was not requested or the store produced no
	// trace metadata in time.
	Trace *RawTrace
}

// DataPlane executes statements against the store.
type DataPlane interface {
	Execute(ctx context.Context, st Statement, traced bool) (Result, error)
}

// Operation is a representative read or write, parameterised by a key.
// The statement binds the key components first, then Values.
//
//	Operation{
//	    Name:      "read",
//	    Statement: "SELECT species FROM birds_tracking WHERE bird_id = ? AND date = ? LIMIT 5",
//	}
type Operation struct {
	Name      string
	Statement string
	Values    []any
}

// Bind builds the statement for key.
func (o Operation) Bind(key ring.Key) (Statement, error) {
	args := append(key.Args(), o.Values...)
	if n := strings.Count(o.Statement, "?"); n != len(args) {
		return Statement{}, cluster.Errorf(cluster.ErrConfiguration,
			"%s statement has %d placeholders but %d values", o.Name, n, len(args))
	}
	return Statement{Query: o.Statement, Args: args}, nil
}

// Tracer executes operations with tracing and normalizes their traces.
type Tracer struct {
	dp       DataPlane
	registry *cluster.Registry
	timeout  time.Duration
	log      logr.Logger
}

// New creates a tracer. timeout bounds each Execute including the wait for
// trace metadata; zero leaves ctx as the only bound.
func New(dp DataPlane, reg *cluster.Registry, timeout time.Duration, log logr.Logger) *Tracer {
	return &Tracer{dp: dp, registry: reg, timeout: timeout, log: log.WithName("tracer")}
}

// Execute runs op for key and blocks until rows and trace metadata arrive.
// Missing trace metadata yields a Trace with Available false and no events;
// that is not an error. Exceeding the timeout is cluster.ErrTimeout.
func (t *Tracer) Execute(ctx context.Context, op Operation, key ring.Key) (Trace, error) {
	st, err := op.Bind(key)
	if err != nil {
		return Trace{}, err
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	res, err := t.dp.Execute(ctx, st, true)
	if err != nil {
		if ctx.Err() != nil {
			return Trace{}, cluster.Classify(ctx.Err(), "%s %s", op.Name, key)
		}
		return Trace{}, cluster.Classify(err, "%s %s", op.Name, key)
	}

	if res.Trace == nil {
		t.log.Info("trace metadata unavailable", "operation", op.Name, "key", key.String())
		return Trace{Operation: op.Name, Rows: res.Rows}, nil
	}

	tr := Normalize(op.Name, *res.Trace, t.registry)
	tr.Rows = res.Rows
	t.log.V(1).Info("operation traced", "operation", op.Name, "key", key.String(),
		"coordinator", tr.Coordinator.String(), "events", len(tr.Events))
	return tr, nil
}
