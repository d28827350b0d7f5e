// Package report renders a scenario result as a human-readable, timestamped
// text report and writes it through an afero filesystem.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/scenario"
	"github.com/dreamware/ringprobe/internal/tracer"
)

// Raw ring captures keyed by the section they belong to.
const (
	RingBefore   = "before"
	RingAfter    = "after"
	RingRecovery = "recovery"
)

// Options adds context the Result does not carry.
type Options struct {
	// Contact is the node or host the run connected through.
	Contact string
	// RawRings holds verbatim topology output (nodetool ring) per capture.
	// When present it is printed instead of the rendered token table.
	RawRings map[string]string
	// Now stamps section headers. Defaults to time.Now.
	Now func() time.Time
}

type writer struct {
	w   io.Writer
	now func() time.Time
	err error
}

func (w *writer) printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, format, args...)
}

func (w *writer) section(title string) {
	w.printf("\n[%s] === %s ===\n", w.now().Format(time.RFC3339), title)
}

// Render writes the full report for res.
func Render(out io.Writer, res *scenario.Result, opts Options) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &writer{w: out, now: opts.Now}

	w.printf("ringprobe report\n")
	w.printf("Run:      %s\n", res.RunID)
	w.printf("Started:  %s\n", res.StartedAt.Format(time.RFC3339))
	w.printf("Finished: %s\n", res.FinishedAt.Format(time.RFC3339))
	w.printf("Key:      %s\n", res.Key)

	w.section("CLUSTER")
	if opts.Contact != "" {
		w.printf("Contact node: %s\n", opts.Contact)
	}
	w.printf("Nodes:        %d\n", len(res.Before.Nodes()))
	w.printf("Tokens:       %d\n", res.Before.Len())
	if res.Before.Source != "" {
		w.printf("Source:       %s\n", res.Before.Source)
	}

	if res.Before.Len() > 0 {
		w.section("RING BEFORE FAILURE")
		ringSection(w, res.Before, opts.RawRings[RingBefore])
		w.section("OWNER RESOLUTION")
		ownerSection(w, res)
	}

	if len(res.Transitions) > 0 {
		w.section("NODE TRANSITIONS")
		for _, t := range res.Transitions {
			w.printf("%s  %s: %s -> %s\n", t.At.Format(time.RFC3339Nano), t.Node, t.From, t.To)
		}
	}

	if res.After != nil {
		w.section("RING AFTER FAILURE")
		ringSection(w, *res.After, opts.RawRings[RingAfter])
		w.section("RING DIFF")
		deltaSection(w, res.Delta)
	}

	w.section("TRACE ANALYSIS")
	traceSection(w, "baseline", res.BaselineTrace, res.Target)
	for _, tr := range res.AfterTraces {
		traceSection(w, "after failure", tr, res.Target)
	}
	if res.RecoveryTrace != nil {
		traceSection(w, "after recovery", *res.RecoveryTrace, res.Target)
	}

	w.section("VERIFICATION")
	verificationSection(w, res)

	if res.Recovery != nil {
		w.section("RING AFTER RECOVERY")
		ringSection(w, *res.Recovery, opts.RawRings[RingRecovery])
		w.printf("Matches ring before failure: %s\n", yesNo(res.RecoveryMatches))
	}

	w.section("PHASES")
	for _, p := range res.Phases {
		status := "ok"
		if p.Error != "" {
			status = "error: " + p.Error
		}
		w.printf("%-18s %10s  %s\n", p.Phase, p.Duration.Round(time.Millisecond), status)
	}
	return w.err
}

// RenderRing writes a standalone ring table with ownership shares.
func RenderRing(out io.Writer, snap ring.Snapshot) error {
	w := &writer{w: out, now: time.Now}
	ringSection(w, snap, "")
	return w.err
}

// RenderTrace writes the analysis of one trace. Events from failed, when
// set, are flagged.
func RenderTrace(out io.Writer, label string, tr tracer.Trace, failed cluster.Node) error {
	w := &writer{w: out, now: time.Now}
	traceSection(w, label, tr, failed)
	return w.err
}

// Write renders res into path on fs, creating parent directories.
func Write(fs afero.Fs, path string, res *scenario.Result, opts Options) error {
	afs := &afero.Afero{Fs: fs}
	if dir := filepath.Dir(path); dir != "." {
		if err := afs.MkdirAll(dir, 0o755); err != nil {
			return cluster.Errorf(cluster.ErrConfiguration, "creating report directory %s: %v", dir, err)
		}
	}
	var b strings.Builder
	if err := Render(&b, res, opts); err != nil {
		return err
	}
	if err := afs.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return cluster.Errorf(cluster.ErrConfiguration, "writing report %s: %v", path, err)
	}
	return nil
}

func ringSection(w *writer, snap ring.Snapshot, raw string) {
	if raw != "" {
		w.printf("%s\n", strings.TrimRight(raw, "\n"))
		return
	}
	var shares map[string]float64
	if m, err := ring.Build(snap); err == nil {
		shares = m.Ownership()
	}

	tw := tabwriter.NewWriter(w.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tNODE\tADDRESS\tSTATUS\t")
	for _, e := range snap.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", e.Token, e.Node.ID, e.Node.Addr, statusOf(e.Node))
	}
	if w.err == nil {
		w.err = tw.Flush()
	}

	if len(shares) == 0 {
		return
	}
	w.printf("Ownership:\n")
	for _, n := range snap.Nodes() {
		w.printf("  %-24s %6.2f%%\n", n.String(), shares[n.Key()]*100)
	}
}

func ownerSection(w *writer, res *scenario.Result) {
	w.printf("Key:    %s\n", res.Key)
	w.printf("Token:  %s\n", res.Token)
	w.printf("Owner:  %s\n", res.Target)

	if m, err := ring.Build(res.Before); err == nil {
		for _, r := range m.Ranges() {
			if r.End == m.OwnerToken(res.Token) {
				w.printf("Range:  (%s, %s]", r.Start, r.End)
				if r.Wraps {
					w.printf(" wrapping")
				}
				w.printf("\n")
				break
			}
		}
	}
	if len(res.Replicas) > 0 {
		names := make([]string, len(res.Replicas))
		for i, n := range res.Replicas {
			names[i] = n.String()
		}
		w.printf("Replica order: %s\n", strings.Join(names, " -> "))
	}
	if !res.OwnerAfter.IsZero() {
		w.printf("Owner after failure: %s\n", res.OwnerAfter)
	}
	if res.Unsupported {
		w.printf("Ring has a single physical node; no node was stopped.\n")
	}
}

func deltaSection(w *writer, d ring.Delta) {
	if d.Empty() {
		w.printf("No change in membership, tokens or status.\n")
		return
	}
	for _, n := range d.Added {
		w.printf("+ %s joined\n", n)
	}
	for _, n := range d.Removed {
		w.printf("- %s left\n", n)
	}
	for _, c := range d.StatusChanged {
		w.printf("~ %s %s -> %s\n", c.Node, c.From, c.To)
	}
	if d.TokensChanged {
		w.printf("~ token assignment changed\n")
	}
}

func traceSection(w *writer, label string, tr tracer.Trace, failed cluster.Node) {
	w.printf("\n-- %s %s --\n", tr.Operation, label)
	if !tr.Available {
		w.printf("Trace metadata unavailable (rows: %d)\n", tr.Rows)
		return
	}
	w.printf("Trace ID:    %s\n", tr.ID)
	w.printf("Request:     %s\n", tr.Request)
	w.printf("Coordinator: %s%s\n", tr.Coordinator, flag(tr.Coordinator, failed))
	w.printf("Duration:    %s\n", tr.Duration)
	w.printf("Rows:        %d\n", tr.Rows)
	if len(tr.Parameters) > 0 {
		keys := make([]string, 0, len(tr.Parameters))
		for k := range tr.Parameters {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		w.printf("Parameters:\n")
		for _, k := range keys {
			w.printf("  %s = %s\n", k, tr.Parameters[k])
		}
	}

	tw := tabwriter.NewWriter(w.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tELAPSED(ms)\tSOURCE\tROLE\tACTIVITY\t")
	for i, e := range tr.Events {
		fmt.Fprintf(tw, "%d\t%.3f\t%s%s\t%s\t%s\t\n",
			i+1, float64(e.Elapsed.Microseconds())/1000, e.Source, flag(e.Source, failed), e.Role, e.Description)
	}
	if w.err == nil {
		w.err = tw.Flush()
	}

	w.printf("Nodes involved:")
	for _, n := range tr.InvolvedNodes() {
		w.printf(" %s%s", n, flag(n, failed))
	}
	w.printf("\n")
}

func verificationSection(w *writer, res *scenario.Result) {
	v := res.Verification
	verdict := "PASSED"
	if !v.Passed {
		verdict = "FAILED"
	}
	w.printf("Result:              %s\n", verdict)
	w.printf("Failed node:         %s\n", res.Target)
	w.printf("Coordinator changed: %s\n", yesNo(v.CoordinatorChanged))
	w.printf("Trace available:     %s\n", yesNo(v.TraceAvailable))
	for _, msg := range v.Violations {
		w.printf("Violation: %s\n", msg)
	}
	for _, msg := range v.Notes {
		w.printf("Note: %s\n", msg)
	}
}

func flag(n, failed cluster.Node) string {
	if !failed.IsZero() && n.Same(failed) {
		return " [FAILED NODE]"
	}
	return ""
}

func statusOf(n cluster.Node) cluster.Status {
	if n.Status == "" {
		return "?"
	}
	return n.Status
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
