package cql

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dreamware/ringprobe/internal/tracer"
)

var _ tracer.DataPlane = (*Session)(nil)

// traceCapture is a gocql.Tracer that remembers the trace id of the
// statement it is attached to.
type traceCapture struct {
	mu sync.Mutex
	id []byte
}

func (c *traceCapture) Trace(traceID []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = append([]byte(nil), traceID...)
}

func (c *traceCapture) ID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Execute runs st. For reads the returned Rows counts the rows read. When
// traced is set, the trace is fetched once the store has finished writing
// it; if it never appears within the configured attempts, Result.Trace is
// nil and no error is returned.
func (s *Session) Execute(ctx context.Context, st tracer.Statement, traced bool) (tracer.Result, error) {
	q := s.s.Query(st.Query, st.Args...).WithContext(ctx)
	var capture *traceCapture
	if traced {
		capture = &traceCapture{}
		q = q.Trace(capture)
	}

	iter := q.Iter()
	rows := 0
	for row := make(map[string]interface{}); iter.MapScan(row); row = make(map[string]interface{}) {
		rows++
	}
	if err := iter.Close(); err != nil {
		return tracer.Result{}, classify(err, "executing %q", st.Query)
	}

	res := tracer.Result{Rows: rows}
	if capture == nil || capture.ID() == nil {
		return res, nil
	}
	raw, err := s.fetchTrace(ctx, capture.ID())
	if err != nil {
		return tracer.Result{}, err
	}
	res.Trace = raw
	return res, nil
}

// fetchTrace polls system_traces until the session row is complete
// (duration set) and then reads its events.
func (s *Session) fetchTrace(ctx context.Context, id []byte) (*tracer.RawTrace, error) {
	uuid, err := gocql.UUIDFromBytes(id)
	if err != nil {
		s.log.Info("ignoring malformed trace id", "error", err.Error())
		return nil, nil
	}

	var raw tracer.RawTrace
	found := false
	timeout := time.Duration(s.cfg.TraceAttempts) * s.cfg.TraceInterval
	err = wait.PollUntilContextTimeout(ctx, s.cfg.TraceInterval, timeout, true, func(ctx context.Context) (bool, error) {
		var (
			coordinator net.IP
			durationUS  int
			request     string
			params      map[string]string
			startedAt   time.Time
		)
		err := s.s.Query(`SELECT coordinator, duration, request, parameters, started_at
			FROM system_traces.sessions WHERE session_id = ?`, uuid).
			WithContext(ctx).Scan(&coordinator, &durationUS, &request, &params, &startedAt)
		if errors.Is(err, gocql.ErrNotFound) || (err == nil && durationUS == 0) {
			return false, nil
		}
		if err != nil {
			return false, classify(err, "reading trace session %s", uuid)
		}
		raw = tracer.RawTrace{
			ID:          uuid.String(),
			Coordinator: coordinator.String(),
			Duration:    time.Duration(durationUS) * time.Microsecond,
			Request:     request,
			Parameters:  params,
			StartedAt:   startedAt,
		}
		found = true
		return true, nil
	})
	if !found {
		if err != nil && !wait.Interrupted(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, classify(ctx.Err(), "waiting for trace %s", uuid)
		}
		s.log.Info("trace not written in time", "trace", uuid.String(), "attempts", s.cfg.TraceAttempts)
		return nil, nil
	}

	iter := s.s.Query(`SELECT activity, source, source_elapsed, thread
		FROM system_traces.events WHERE session_id = ?`, uuid).WithContext(ctx).Iter()
	var (
		activity, thread string
		source           net.IP
		elapsedUS        int
	)
	for iter.Scan(&activity, &source, &elapsedUS, &thread) {
		raw.Events = append(raw.Events, tracer.RawEvent{
			Source:   source.String(),
			Elapsed:  time.Duration(elapsedUS) * time.Microsecond,
			Activity: activity,
			Thread:   thread,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, classify(err, "reading trace events %s", uuid)
	}
	return &raw, nil
}
