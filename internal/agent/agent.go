// Package agent is the HTTP side of the ringagent control plane. It turns
// POST /nodes/{id}/{stop|start} into calls on a local control plane and
// answers with a cluster.NodeCommandResult. A node already in the requested
// state is answered with 409 Conflict, a request the control plane refuses as
// misconfigured with 400.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/logging"
)

// Outcomes reported in NodeCommandResult.
const (
	OutcomeDone      = "done"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Server serves node commands against one control plane.
type Server struct {
	cp      controlplane.ControlPlane
	timeout time.Duration
	log     *logging.Logger
}

// New creates a Server. A positive timeout bounds every control-plane call.
func New(cp controlplane.ControlPlane, timeout time.Duration, log logr.Logger) *Server {
	return &Server{cp: cp, timeout: timeout, log: logging.NewLogger(log, "ringagent")}
}

// Router returns the agent routes.
func (a *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/{action:stop|start}", a.handleNode).Methods(http.MethodPost)
	return r
}

// handleNode runs one stop or start.
//
// The body may be empty, in which case the node is addressed by the path id
// alone. A body naming a different node than the path is rejected.
func (a *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]

	var cmd cluster.NodeCommand
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			a.reply(w, http.StatusBadRequest, cluster.NodeCommandResult{
				Node: id, Action: action, Outcome: OutcomeRejected, Error: "invalid body: " + err.Error(),
			})
			return
		}
	}
	switch {
	case cmd.Node.ID == "":
		cmd.Node.ID = id
	case cmd.Node.ID != id:
		a.reply(w, http.StatusBadRequest, cluster.NodeCommandResult{
			Node: id, Action: action, Outcome: OutcomeRejected,
			Error: fmt.Sprintf("body names node %q", cmd.Node.ID),
		})
		return
	}
	if cmd.Action != "" && cmd.Action != action {
		a.reply(w, http.StatusBadRequest, cluster.NodeCommandResult{
			Node: id, Action: action, Outcome: OutcomeRejected,
			Error: fmt.Sprintf("body asks for %q", cmd.Action),
		})
		return
	}

	ctx := r.Context()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	done := a.log.Track(action+"_node", logging.ActionParams{"node": cmd.Node.ID, "addr": cmd.Node.Addr})
	err := controlplane.Do(ctx, a.cp, cmd.Node, action)

	res := cluster.NodeCommandResult{Node: id, Action: action, Outcome: OutcomeDone}
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, controlplane.ErrAlreadyInState):
		err = nil
		status, res.Outcome = http.StatusConflict, OutcomeUnchanged
	case errors.Is(err, cluster.ErrConfiguration):
		status, res.Outcome, res.Error = http.StatusBadRequest, OutcomeRejected, err.Error()
	case errors.Is(err, cluster.ErrTimeout):
		status, res.Outcome, res.Error = http.StatusGatewayTimeout, OutcomeFailed, err.Error()
	default:
		status, res.Outcome, res.Error = http.StatusBadGateway, OutcomeFailed, err.Error()
	}
	done(err)
	a.reply(w, status, res)
}

func (a *Server) reply(w http.ResponseWriter, status int, res cluster.NodeCommandResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		a.log.Logr().Error(err, "writing response", "node", res.Node)
	}
}
