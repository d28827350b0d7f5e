package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Status is the liveness of a node as reported by the cluster.
type Status string

const (
	StatusUp   Status = "Up"
	StatusDown Status = "Down"
	// StatusUnknown is nodetool's "?": gossip has not decided yet. It is
	// neither Up nor Down, so a snapshot's Live view keeps the node and a
	// convergence wait does not settle on it.
	StatusUnknown Status = "?"
)

// ParseStatus converts the textual status used by topology reports.
// Anything that is not a recognised Up or Down spelling is StatusUnknown.
func ParseStatus(s string) Status {
	switch s {
	case "Up", "U", "up":
		return StatusUp
	case "Down", "D", "down":
		return StatusDown
	default:
		return StatusUnknown
	}
}

// Node is a physical member of the storage cluster.
//
// Addr is the identity the store itself reports (listen address, trace
// source, coordinator). ID is a friendly name such as a container or VM name
// and is only used for display and control-plane targeting.
type Node struct {
	ID     string `json:"id" yaml:"id"`
	Addr   string `json:"addr" yaml:"addr"`
	Status Status `json:"status,omitempty" yaml:"status,omitempty"`
}

// Key returns the identity used for comparisons and map keys.
func (n Node) Key() string {
	if n.Addr != "" {
		return n.Addr
	}
	return n.ID
}

// Same reports whether n and o are the same physical node, ignoring status.
func (n Node) Same(o Node) bool {
	if n.Addr != "" && o.Addr != "" {
		return n.Addr == o.Addr
	}
	return n.ID != "" && n.ID == o.ID
}

// IsZero reports whether the node carries no identity at all.
func (n Node) IsZero() bool {
	return n.ID == "" && n.Addr == ""
}

// WithStatus returns a copy of n with status s.
func (n Node) WithStatus(s Status) Node {
	n.Status = s
	return n
}

func (n Node) String() string {
	switch {
	case n.ID != "" && n.Addr != "" && n.ID != n.Addr:
		return fmt.Sprintf("%s (%s)", n.ID, n.Addr)
	case n.Addr != "":
		return n.Addr
	default:
		return n.ID
	}
}

// NodeCommand is the body accepted by the control-plane agent.
type NodeCommand struct {
	Node   Node   `json:"node"`
	Action string `json:"action"`
}

// NodeCommandResult is returned by the control-plane agent.
type NodeCommandResult struct {
	Node    string `json:"node"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// HTTPError carries a non-2xx response from PostJSON so callers can
// inspect the status code.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

// httpClient carries no Timeout of its own: the caller's context bounds
// every request, so a slow stop on the agent side is not cut short.
var httpClient = &http.Client{}

// PostJSON sends body as JSON and decodes a 2xx response into out (when out
// is non-nil). Other statuses return *HTTPError.

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
