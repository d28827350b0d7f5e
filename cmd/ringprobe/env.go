package main

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/config"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/cql"
	"github.com/dreamware/ringprobe/internal/logging"
	"github.com/dreamware/ringprobe/internal/report"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/scenario"
	"github.com/dreamware/ringprobe/internal/topology"
	"github.com/dreamware/ringprobe/internal/tracer"
)

// session is the slice of *cql.Session the commands use.
type session interface {
	topology.PeerSource
	topology.TokenSource
	tracer.DataPlane
	Close()
}

func openSession(cfg cql.Config, log logr.Logger) (session, error) {
	s, err := cql.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// needs says which collaborators a command uses, so that a command like
// `ring` works without a CQL session or a kubeconfig.
type needs struct {
	data    bool
	control bool
}

// env is everything one command invocation works with.
type env struct {
	cfg      *config.Config
	log      logr.Logger
	registry *cluster.Registry

	provider topology.Provider
	raw      *rawRecorder
	tokens   topology.TokenSource
	control  controlplane.ControlPlane
	data     tracer.DataPlane

	close func()
}

func (a *app) setup(n needs) (*env, error) {
	cfg, err := config.Load(a.fs, a.opts.configPath)
	if err != nil {
		return nil, err
	}
	a.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "%v", err)
	}
	reg, err := cfg.AddressRegistry()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log, registry: reg, close: func() {}}

	if cfg.Topology.Kind == config.TopologySim {
		c, err := cfg.NewSimulator(log)
		if err != nil {
			return nil, err
		}
		e.provider, e.tokens, e.control, e.data = c, c, c, c
		return e, nil
	}

	var sess session
	if n.data || cfg.Topology.Kind == config.TopologyCQL {
		if sess, err = a.connect(cfg.CQL(), log); err != nil {
			return nil, err
		}
		e.tokens, e.data = sess, sess
		e.close = sess.Close
	}

	var peers topology.PeerSource
	if sess != nil {
		peers = sess
	}
	provider, err := cfg.NewTopology(a.exec, peers, reg, log)
	if err != nil {
		e.close()
		return nil, err
	}
	e.provider = provider
	if nt, ok := provider.(*topology.Nodetool); ok {
		e.raw = newRawRecorder(nt)
		e.provider = e.raw
	}

	if n.control {
		if e.control, err = cfg.NewControlPlane(a.exec, log); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

func (a *app) applyFlags(cfg *config.Config) {
	if a.opts.logLevel != "" {
		cfg.Log.Level = a.opts.logLevel
	}
	if a.opts.logFormat != "" {
		cfg.Log.Format = a.opts.logFormat
	}
	if a.opts.reportPath != "" {
		cfg.Report.Path = a.opts.reportPath
	}
	if a.opts.noRecover {
		cfg.Recovery.Enabled = false
	}
	if a.opts.simulate {
		cfg.Topology.Kind = config.TopologySim
		cfg.ControlPlane.Kind = config.ControlPlaneSim
		if cfg.Convergence.Policy == config.PolicyFixed {
			// a simulated ring converges immediately
			cfg.Convergence = config.ConvergenceConfig{
				Policy:      config.PolicyPoll,
				Interval:    config.Duration{Duration: 10 * time.Millisecond},
				StablePolls: 2,
				Timeout:     config.Duration{Duration: 5 * time.Second},
			}
		}
	}
}

func (a *app) confirmer() scenario.Confirmer {
	if a.opts.yes || a.opts.simulate {
		return scenario.AlwaysConfirm
	}
	return scenario.NewPrompt(a.in, a.out)
}

// node resolves a command-line node argument, a registered name or an
// address, to a registry node.
func (e *env) node(arg string) cluster.Node {
	if addr, ok := e.registry.Addr(arg); ok {
		return cluster.Node{ID: arg, Addr: addr}
	}
	return e.registry.Lookup(arg)
}

func (e *env) key(args []string) (ring.Key, error) {
	key := e.cfg.DefaultKey()
	if len(args) > 0 {
		key = ring.ParseKey(args[0])
	}
	if want := len(e.cfg.Key.PartitionColumns); len(key) != want {
		return nil, cluster.Errorf(cluster.ErrConfiguration,
			"key %q has %d components, partition key (%v) has %d", key, len(key), e.cfg.Key.PartitionColumns, want)
	}
	return key, nil
}

// rawRecorder keeps the nodetool text behind every snapshot it hands out,
// keyed by capture time, so reports can print it verbatim.
type rawRecorder struct {
	nt *topology.Nodetool

	mu  sync.Mutex
	raw map[time.Time]string
}

func newRawRecorder(nt *topology.Nodetool) *rawRecorder {
	return &rawRecorder{nt: nt, raw: make(map[time.Time]string)}
}

func (r *rawRecorder) Snapshot(ctx context.Context) (ring.Snapshot, error) {
	snap, out, err := r.nt.SnapshotWithRaw(ctx)
	if err != nil {
		return snap, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw[snap.CapturedAt] = out
	return snap, nil
}

func (r *rawRecorder) lookup(snap ring.Snapshot) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raw[snap.CapturedAt]
}

// rings returns the raw text for the captures of res.
func (r *rawRecorder) rings(res *scenario.Result) map[string]string {
	if r == nil {
		return nil
	}
	out := map[string]string{report.RingBefore: r.lookup(res.Before)}
	if res.After != nil {
		out[report.RingAfter] = r.lookup(*res.After)
	}
	if res.Recovery != nil {
		out[report.RingRecovery] = r.lookup(*res.Recovery)
	}
	return out
}
