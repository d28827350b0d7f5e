package topology

import (
	"bufio"
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/exec"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
)

// ringLine matches one token row of `nodetool ring`:
//
//	Address     Rack   Status State   Load        Owns    Token
//	172.18.0.2  rack1  Up     Normal  102.4 KiB   33.33%  -9223372036854775808
//
// Load may contain a space and Owns may be "?", so only the leading columns
// and the trailing token are anchored.
var ringLine = regexp.MustCompile(`^(\S+)\s+(\S+)\s+(Up|Down|\?)\s+(\S+)\s+.*\s(-?\d+)\s*$`)

// ParseNodetoolRing extracts (token, node, status) entries from the text
// printed by `nodetool ring`. Header, datacenter banners, warnings and the
// lone leading-token line are skipped. Addresses are mapped to node names
// through reg; a nil registry keeps the raw addresses.
//
// Output with no token rows is a configuration error, since an empty ring
// cannot be resolved against.
func ParseNodetoolRing(out string, reg *cluster.Registry) ([]ring.Entry, error) {
	var entries []ring.Entry
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := ringLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		tok, err := ring.ParseToken(m[5])
		if err != nil {
			return nil, err
		}
		node := reg.Lookup(stripPort(m[1]))
		node.Status = cluster.ParseStatus(m[3])
		entries = append(entries, ring.Entry{Token: tok, Node: node})
	}
	if err := sc.Err(); err != nil {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "reading nodetool output: %v", err)
	}
	if len(entries) == 0 {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "no token rows in nodetool ring output")
	}
	return entries, nil
}

// stripPort turns "172.18.0.2:7000" into "172.18.0.2"; bare IPv6 addresses
// are left alone.
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Nodetool captures the ring by running `nodetool ring` through a set of
// contact commands, for example
//
//	[]string{"docker", "exec", "cassandra-1", "nodetool"}
//
// The contacts are tried in order and the first that answers wins, so the
// ring can still be read after the node hosting the first contact is stopped.
type Nodetool struct {
	exec     exec.Interface
	contacts [][]string
	registry *cluster.Registry
	timeout  time.Duration
	log      logr.Logger
}

// NewNodetool creates a nodetool-backed provider.
func NewNodetool(ex exec.Interface, contacts [][]string, reg *cluster.Registry, timeout time.Duration, log logr.Logger) *Nodetool {
	return &Nodetool{
		exec:     ex,
		contacts: contacts,
		registry: reg,
		timeout:  timeout,
		log:      log.WithName("nodetool"),
	}
}

// Snapshot runs `nodetool ring` and parses its output.
func (n *Nodetool) Snapshot(ctx context.Context) (ring.Snapshot, error) {
	snap, _, err := n.SnapshotWithRaw(ctx)
	return snap, err
}

// SnapshotWithRaw is Snapshot that also returns the text it parsed.
func (n *Nodetool) SnapshotWithRaw(ctx context.Context) (ring.Snapshot, string, error) {
	out, err := n.Raw(ctx)
	if err != nil {
		return ring.Snapshot{}, "", err
	}
	entries, err := ParseNodetoolRing(out, n.registry)
	if err != nil {
		return ring.Snapshot{}, out, err
	}
	return ring.NewSnapshot("nodetool", time.Now(), entries), out, nil
}

// Raw returns the unparsed `nodetool ring` text, which reports embed as is.
func (n *Nodetool) Raw(ctx context.Context) (string, error) {
	if len(n.contacts) == 0 {
		return "", cluster.Errorf(cluster.ErrConfiguration, "no nodetool contact configured")
	}

	var errs []error
	for _, argv := range n.contacts {
		if len(argv) == 0 {
			continue
		}
		out, err := n.run(ctx, argv)
		if err == nil {
			return out, nil
		}
		n.log.V(1).Info("nodetool contact failed", "command", strings.Join(argv, " "), "error", err.Error())
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

func (n *Nodetool) run(ctx context.Context, argv []string) (string, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	args := append(append([]string{}, argv[1:]...), "ring")
	out, err := n.exec.CommandContext(ctx, argv[0], args...).CombinedOutput()
	switch {
	case err == nil:
		return string(out), nil
	case ctx.Err() != nil:
		return "", cluster.Classify(ctx.Err(), "%s ring", strings.Join(argv, " "))
	case errors.Is(err, exec.ErrExecutableNotFound):
		return "", cluster.Errorf(cluster.ErrConfiguration, "%s: %v", argv[0], err)
	default:
		return "", cluster.Errorf(cluster.ErrConnectivity, "%s ring: %v: %s",
			strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
}
