package sim

import (
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/ringprobe/internal/tracer"
)

// eventStep is the simulated time between two consecutive trace events.
const eventStep = 40 * time.Microsecond

// traceBuilder accumulates events in the order they happen. Each source
// measures elapsed time from its own first event, as the store does.
type traceBuilder struct {
	raw   tracer.RawTrace
	clock time.Duration
	first map[string]time.Duration
}

func newTraceBuilder(start time.Time, coordinator string, st tracer.Statement) *traceBuilder {
	return &traceBuilder{
		raw: tracer.RawTrace{
			ID:          uuid.NewString(),
			Coordinator: coordinator,
			Request:     "Execute CQL3 query",
			Parameters: map[string]string{
				"query":             st.Query,
				"consistency_level": "ONE",
			},
			StartedAt: start,
		},
		first: make(map[string]time.Duration),
	}
}

func (b *traceBuilder) add(m *member, activity string) {
	b.clock += eventStep
	src := m.node.Addr
	origin, ok := b.first[src]
	if !ok {
		origin = b.clock
		b.first[src] = origin
	}
	thread := "RequestResponseStage-1"
	if src == b.raw.Coordinator {
		thread = "Native-Transport-Requests-1"
	}
	b.raw.Events = append(b.raw.Events, tracer.RawEvent{
		Source:   src,
		Elapsed:  b.clock - origin + eventStep,
		Activity: activity,
		Thread:   thread,
	})
}

func (b *traceBuilder) build() *tracer.RawTrace {
	raw := b.raw
	raw.Duration = b.clock
	return &raw
}
