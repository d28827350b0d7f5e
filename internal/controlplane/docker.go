package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/utils/exec"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// Docker controls nodes running as local containers through the docker CLI.
// The container name is the node ID.
type Docker struct {
	exec   exec.Interface
	binary string
	log    logr.Logger
}

// NewDocker creates a docker control plane. binary defaults to "docker".
func NewDocker(ex exec.Interface, binary string, log logr.Logger) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{exec: ex, binary: binary, log: log.WithName("docker")}
}

// Stop runs `docker stop` unless the container is already stopped.
func (d *Docker) Stop(ctx context.Context, node cluster.Node) error {
	return d.transition(ctx, node, "stop", false)
}

// Start runs `docker start` unless the container is already running.
func (d *Docker) Start(ctx context.Context, node cluster.Node) error {
	return d.transition(ctx, node, "start", true)
}

func (d *Docker) transition(ctx context.Context, node cluster.Node, verb string, wantRunning bool) error {
	name, err := target(node)
	if err != nil {
		return err
	}

	running, err := d.Running(ctx, name)
	if err != nil {
		return err
	}
	if running == wantRunning {
		return fmt.Errorf("%w: container %s", ErrAlreadyInState, name)
	}

	d.log.V(1).Info("docker "+verb, "container", name)
	if _, err := d.run(ctx, verb, name); err != nil {
		return err
	}
	return nil
}

// Running reports whether the container is running.
func (d *Docker) Running(ctx context.Context, name string) (bool, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(out) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, cluster.Errorf(cluster.ErrOperation, "unexpected inspect output for %s: %q", name, out)
	}
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	out, err := d.exec.CommandContext(ctx, d.binary, args...).CombinedOutput()
	switch {
	case err == nil:
		return string(out), nil
	case ctx.Err() != nil:
		return "", cluster.Classify(ctx.Err(), "%s %s", d.binary, strings.Join(args, " "))
	case errors.Is(err, exec.ErrExecutableNotFound):
		return "", cluster.Errorf(cluster.ErrConfiguration, "%s: %v", d.binary, err)
	default:
		return "", cluster.Errorf(cluster.ErrOperation, "%s %s: %v: %s",
			d.binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
}
