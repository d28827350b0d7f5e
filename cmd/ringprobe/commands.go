package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"k8s.io/utils/exec"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/config"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/cql"
	"github.com/dreamware/ringprobe/internal/injector"
	"github.com/dreamware/ringprobe/internal/report"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/scenario"
	"github.com/dreamware/ringprobe/internal/tracer"
)

type options struct {
	configPath string
	logLevel   string
	logFormat  string
	reportPath string
	yes        bool
	noRecover  bool
	simulate   bool
	live       bool
	operation  string
}

// app carries the process dependencies so tests can swap them.
type app struct {
	fs      afero.Fs
	exec    exec.Interface
	in      io.Reader
	out     io.Writer
	connect func(cql.Config, logr.Logger) (session, error)
	opts    options
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ringprobe",
		Short: "Demonstrate request rerouting around a failed node of a token-ring cluster",
		Long: `ringprobe resolves which node owns a partition key, stops that node, waits for the
cluster to notice, and traces a read and a write to show that they no longer touch it.

Every destructive step asks for confirmation unless --yes is given. Settings come from
a YAML file (--config or $RINGPROBE_CONFIG); see internal/config for the format.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.SetIn(a.in)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.opts.configPath, "config", "c", "", "Path to the YAML config file")
	pf.StringVarP(&a.opts.logLevel, "log-level", "", "", "Log level (debug, info, warn, error)")
	pf.StringVarP(&a.opts.logFormat, "log-format", "", "", "Log format (json, console)")
	pf.BoolVarP(&a.opts.yes, "yes", "y", false, "Do not ask before stopping or restarting nodes")

	root.AddCommand(
		a.ringCommand(),
		a.resolveCommand(),
		a.stopCommand(),
		a.startCommand(),
		a.traceCommand(),
		a.runCommand("run", "Run a failure scenario against the configured cluster", false),
		a.runCommand("simulate", "Run a failure scenario against an in-process simulated cluster", true),
	)
	return root
}

func (a *app) ringCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ring",
		Short: "Print the current token ring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.setup(needs{})
			if err != nil {
				return err
			}
			defer e.close()

			snap, err := e.provider.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if e.raw != nil {
				if raw := e.raw.lookup(snap); raw != "" {
					_, err := fmt.Fprint(a.out, raw)
					return err
				}
			}
			return report.RenderRing(a.out, snap)
		},
	}
}

func (a *app) resolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [key]",
		Short: "Show the token, owner and replica order of a partition key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.setup(needs{data: true})
			if err != nil {
				return err
			}
			defer e.close()

			key, err := e.key(args)
			if err != nil {
				return err
			}
			snap, err := e.provider.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if a.opts.live {
				snap = snap.Live()
			}
			model, err := ring.Build(snap)
			if err != nil {
				return err
			}
			tok, err := e.tokens.TokenOf(cmd.Context(), key)
			if err != nil {
				return err
			}

			replicas := model.Replicas(tok, len(model.Nodes()))
			names := make([]string, len(replicas))
			for i, n := range replicas {
				names[i] = n.String()
			}
			fmt.Fprintf(a.out, "key:      %s\n", key)
			fmt.Fprintf(a.out, "token:    %s\n", tok)
			fmt.Fprintf(a.out, "owner:    %s (ring token %s)\n", model.Resolve(tok), model.OwnerToken(tok))
			fmt.Fprintf(a.out, "replicas: %s\n", strings.Join(names, " -> "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&a.opts.live, "live", false, "Resolve on the ring of live nodes only")
	return cmd
}

func (a *app) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <node>",
		Short: "Stop a node by name or address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.setup(needs{control: true})
			if err != nil {
				return err
			}
			defer e.close()

			node := e.node(args[0])
			ok, err := a.confirmer().Confirm(cmd.Context(), fmt.Sprintf("Stop node %s?", node))
			if err != nil {
				return err
			}
			if !ok {
				return scenario.ErrDeclined
			}
			if err := injector.New(e.control, e.cfg.ControlPlane.Timeout.Duration, e.log).Stop(cmd.Context(), node); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "stopped %s\n", node)
			return nil
		},
	}
}

func (a *app) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <node>",
		Short: "Start a node by name or address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.setup(needs{control: true})
			if err != nil {
				return err
			}
			defer e.close()

			node := e.node(args[0])
			ctx := cmd.Context()
			if d := e.cfg.ControlPlane.Timeout.Duration; d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			err = e.control.Start(ctx, node)
			switch {
			case errors.Is(err, controlplane.ErrAlreadyInState):
				fmt.Fprintf(a.out, "%s is already running\n", node)
				return nil
			case err != nil:
				return cluster.Classify(err, "start %s", node)
			}
			fmt.Fprintf(a.out, "started %s\n", node)
			return nil
		},
	}
}

func (a *app) traceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace [key]",
		Short: "Run the configured operations with tracing and print their timelines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.setup(needs{data: true})
			if err != nil {
				return err
			}
			defer e.close()

			key, err := e.key(args)
			if err != nil {
				return err
			}
			tr := tracer.New(e.data, e.registry, e.cfg.Cluster.Timeout.Duration, e.log)
			ran := 0
			for _, op := range e.cfg.TracedOperations() {
				if a.opts.operation != "" && op.Name != a.opts.operation {
					continue
				}
				ran++
				trace, err := tr.Execute(cmd.Context(), op, key)
				if err != nil {
					return err
				}
				if err := report.RenderTrace(a.out, key.String(), trace, cluster.Node{}); err != nil {
					return err
				}
			}
			if ran == 0 {
				return cluster.Errorf(cluster.ErrConfiguration, "no operation named %q", a.opts.operation)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&a.opts.operation, "op", "", "Only run the operation with this name")
	return cmd
}

func (a *app) runCommand(use, short string, simulate bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [key]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.opts.simulate = simulate
			e, err := a.setup(needs{data: true, control: true})
			if err != nil {
				return err
			}
			defer e.close()

			key, err := e.key(args)
			if err != nil {
				return err
			}
			o, err := scenario.New(scenario.Config{
				Provider:    e.provider,
				Tokens:      e.tokens,
				Injector:    injector.New(e.control, e.cfg.ControlPlane.Timeout.Duration, e.log),
				Tracer:      tracer.New(e.data, e.registry, e.cfg.Cluster.Timeout.Duration, e.log),
				Convergence: e.cfg.ConvergencePolicy(e.log),
				Confirmer:   a.confirmer(),
				Operations:  e.cfg.TracedOperations(),
				Recover:     e.cfg.Recovery.Enabled,
				Log:         e.log,
			})
			if err != nil {
				return err
			}

			res, runErr := o.Run(cmd.Context(), key)
			printSummary(a.out, res)

			if path := e.cfg.Report.Path; path != "" {
				opts := report.Options{RawRings: e.raw.rings(res)}
				if len(e.cfg.Cluster.Hosts) > 0 && e.cfg.Topology.Kind != config.TopologySim {
					opts.Contact = e.cfg.Cluster.Hosts[0]
				}
				if err := report.Write(a.fs, path, res, opts); err != nil {
					return errors.Join(runErr, err)
				}
				fmt.Fprintf(a.out, "report written to %s\n", path)
			}
			if runErr != nil {
				return runErr
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&a.opts.reportPath, "report", "", "Write the report to this path (overrides report.path)")
	cmd.Flags().BoolVar(&a.opts.noRecover, "no-recover", false, "Leave the stopped node down")
	return cmd
}

func printSummary(w io.Writer, res *scenario.Result) {
	fmt.Fprintf(w, "run %s key %s token %s\n", res.RunID, res.Key, res.Token)
	if !res.Target.IsZero() {
		fmt.Fprintf(w, "owner before failure: %s\n", res.Target)
	}
	if !res.OwnerAfter.IsZero() {
		fmt.Fprintf(w, "owner after failure:  %s\n", res.OwnerAfter)
	}
	for _, p := range res.Phases {
		if p.Error != "" {
			fmt.Fprintf(w, "phase %s failed: %s\n", p.Phase, p.Error)
		}
	}
	if len(res.Checks) == 0 && !res.Unsupported {
		return
	}
	verdict := "PASSED"
	if !res.Verification.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(w, "verification: %s\n", verdict)
	for _, v := range res.Verification.Violations {
		fmt.Fprintf(w, "  violation: %s\n", v)
	}
	for _, n := range res.Verification.Notes {
		fmt.Fprintf(w, "  note: %s\n", n)
	}
	if res.Recovered {
		fmt.Fprintf(w, "recovered: ring matches original: %t\n", res.RecoveryMatches)
	}
}
