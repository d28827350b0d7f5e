package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// HTTP forwards stop/start requests to a ringagent running next to the
// nodes. The agent answers 409 Conflict when the node is already in the
// requested state.
type HTTP struct {
	base string
}

// NewHTTP creates a client for the agent at base, e.g. "http://host:8090".
func NewHTTP(base string) *HTTP {
	return &HTTP{base: strings.TrimRight(base, "/")}
}

// Stop asks the agent to stop node.
func (h *HTTP) Stop(ctx context.Context, node cluster.Node) error {
	return h.do(ctx, node, ActionStop)
}

// Start asks the agent to start node.
func (h *HTTP) Start(ctx context.Context, node cluster.Node) error {
	return h.do(ctx, node, ActionStart)
}

func (h *HTTP) do(ctx context.Context, node cluster.Node, action string) error {
	name, err := target(node)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/nodes/%s/%s", h.base, url.PathEscape(name), action)

	var res cluster.NodeCommandResult
	err = cluster.PostJSON(ctx, u, cluster.NodeCommand{Node: node, Action: action}, &res)
	var httpErr *cluster.HTTPError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrAlreadyInState, name)
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusBadRequest:
		return cluster.Errorf(cluster.ErrConfiguration, "agent rejected %s %s: %v", action, name, err)
	case errors.As(err, &httpErr):
		return cluster.Errorf(cluster.ErrOperation, "agent %s %s: %v", action, name, err)
	default:
		return cluster.Classify(err, "agent %s %s", action, name)
	}
}
