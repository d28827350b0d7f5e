// Package controlplane stops and starts store nodes. Each implementation
// drives one kind of infrastructure: docker containers, virtual machines, or
// a remote ringagent.
//
// Implementations report the "already in the desired state" condition with
// ErrAlreadyInState so the failure injector can tell it apart from a
// rejected request. Transport failures are classified onto the cluster error
// taxonomy (ErrTimeout, ErrConnectivity); every other refusal is
// cluster.ErrOperation. No implementation retries.
package controlplane

import (
	"context"
	"errors"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// ErrAlreadyInState reports that the node was already stopped (for Stop) or
// already running (for Start).
var ErrAlreadyInState = errors.New("node already in requested state")

// ControlPlane stops and starts one node. Node.ID names the container or VM.
type ControlPlane interface {
	Stop(ctx context.Context, node cluster.Node) error
	Start(ctx context.Context, node cluster.Node) error
}

// Action names accepted by the agent and used in logs.
const (
	ActionStop  = "stop"
	ActionStart = "start"
)

// Do dispatches an action name to cp.
func Do(ctx context.Context, cp ControlPlane, node cluster.Node, action string) error {
	switch action {
	case ActionStop:
		return cp.Stop(ctx, node)
	case ActionStart:
		return cp.Start(ctx, node)
	default:
		return cluster.Errorf(cluster.ErrConfiguration, "unknown action %q", action)
	}
}

func target(node cluster.Node) (string, error) {
	if node.ID == "" {
		return "", cluster.Errorf(cluster.ErrConfiguration, "node %s has no name to target", node)
	}
	return node.ID, nil
}
