// Command ringagent stops and starts store nodes on behalf of a remote
// ringprobe. It runs on the host that owns the containers (or has the
// kubeconfig for the VMs) and exposes:
//
//	POST /nodes/{id}/stop   - stop the node
//	POST /nodes/{id}/start  - start the node
//	GET  /health            - liveness
//
// See internal/agent for the request and response bodies.
//
// Configuration:
//   - RINGAGENT_ADDR: listen address (default ":8090")
//   - RINGPROBE_CONFIG: YAML config; its controlPlane section selects docker or vm
//
// Example usage:
//
//	RINGAGENT_ADDR=:8090 RINGPROBE_CONFIG=/etc/ringprobe.yaml ./ringagent
//	curl -X POST localhost:8090/nodes/cassandra-3/stop -d '{"node":{"id":"cassandra-3"}}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/utils/exec"

	"github.com/dreamware/ringprobe/internal/agent"
	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/config"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/logging"
)

// controlPlane builds the agent's control plane from cfg. Forwarding to
// another agent is refused.
func controlPlane(cfg *config.Config, ex exec.Interface, log logr.Logger) (controlplane.ControlPlane, error) {
	switch cfg.ControlPlane.Kind {
	case config.ControlPlaneHTTP:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "ringagent cannot use the %q control plane", cfg.ControlPlane.Kind)
	case config.ControlPlaneSim:
		c, err := cfg.NewSimulator(log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return cfg.NewControlPlane(ex, log)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ringagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(afero.NewOsFs(), "")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	cp, err := controlPlane(cfg, exec.New(), log)
	if err != nil {
		return err
	}

	listen := config.Getenv(config.EnvAgentAddr, ":8090")
	s := &http.Server{
		Addr:              listen,
		Handler:           agent.New(cp, cfg.ControlPlane.Timeout.Duration, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", listen, "controlPlane", cfg.ControlPlane.Kind)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Error(err, "shutdown")
	}
	log.Info("agent stopped")
	return nil
}
