package config

import (
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"
	"k8s.io/utils/exec"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/controlplane"
	"github.com/dreamware/ringprobe/internal/convergence"
	"github.com/dreamware/ringprobe/internal/cql"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/sim"
	"github.com/dreamware/ringprobe/internal/topology"
	"github.com/dreamware/ringprobe/internal/tracer"
)

// AddressRegistry builds the address -> name registry.
func (c *Config) AddressRegistry() (*cluster.Registry, error) {
	return cluster.NewRegistry(c.Registry)
}

// DefaultKey returns the configured key, or nil when none is set.
func (c *Config) DefaultKey() ring.Key {
	return ring.ParseKey(c.Key.Default)
}

// TracedOperations converts the operation list.
func (c *Config) TracedOperations() []tracer.Operation {
	out := make([]tracer.Operation, len(c.Operations))
	for i, op := range c.Operations {
		out[i] = tracer.Operation{Name: op.Name, Statement: op.Statement, Values: slices.Clone(op.Values)}
	}
	return out
}

// CQL returns the session settings.
func (c *Config) CQL() cql.Config {
	return cql.Config{
		Hosts:            c.Cluster.Hosts,
		Port:             c.Cluster.Port,
		Keyspace:         c.Cluster.Keyspace,
		Consistency:      c.Cluster.Consistency,
		Timeout:          c.Cluster.Timeout.Duration,
		ConnectTimeout:   c.Cluster.ConnectTimeout.Duration,
		Table:            c.Key.Table,
		PartitionColumns: c.Key.PartitionColumns,
		TraceAttempts:    c.Cluster.TraceAttempts,
		TraceInterval:    c.Cluster.TraceInterval.Duration,
	}
}

// NewControlPlane builds the configured control plane. The sim kind is
// served by the simulator itself; see NewSimulator.
func (c *Config) NewControlPlane(ex exec.Interface, log logr.Logger) (controlplane.ControlPlane, error) {
	cp := c.ControlPlane
	switch cp.Kind {
	case ControlPlaneDocker:
		return controlplane.NewDocker(ex, cp.Docker.Binary, log), nil
	case ControlPlaneHTTP:
		return controlplane.NewHTTP(cp.HTTP.URL), nil
	case ControlPlaneVM:
		vm, err := controlplane.NewVirtualMachineFromKubeconfig(cp.VM.Kubeconfig, cp.VM.Namespace, controlplane.VMOptions{
			Interval: cp.VM.Interval.Duration,
			Timeout:  cp.VM.Timeout.Duration,
			Force:    cp.VM.Force,
		}, log)
		if err != nil {
			return nil, err
		}
		return vm, nil
	default:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "control plane %q cannot be built here", cp.Kind)
	}
}

// NodetoolContacts lists the command lines tried for `nodetool ring`, one
// per container, or the bare command when no containers are configured.
func (c *Config) NodetoolContacts() [][]string {
	nt := c.Topology.Nodetool
	cmd := nt.Command
	if len(cmd) == 0 {
		cmd = []string{"nodetool"}
	}
	if len(nt.Containers) == 0 {
		return [][]string{slices.Clone(cmd)}
	}
	docker := c.ControlPlane.Docker.Binary
	if docker == "" {
		docker = "docker"
	}
	out := make([][]string, 0, len(nt.Containers))
	for _, name := range nt.Containers {
		argv := append([]string{docker, "exec", name}, cmd...)
		out = append(out, argv)
	}
	return out
}

// StaticNodes converts the declared static ring.
func (c *Config) StaticNodes() []topology.StaticNode {
	out := make([]topology.StaticNode, len(c.Topology.Static))
	for i, n := range c.Topology.Static {
		name := n.Name
		if name == "" {
			name = n.Addr
		}
		sn := topology.StaticNode{Node: cluster.Node{ID: name, Addr: n.Addr}}
		if n.Status != "" {
			sn.Node.Status = cluster.ParseStatus(n.Status)
		}
		for _, t := range n.Tokens {
			sn.Tokens = append(sn.Tokens, ring.Token(t))
		}
		out[i] = sn
	}
	return out
}

// NewTopology builds the configured ring provider. peers is required for
// the cql kind and ignored otherwise.
func (c *Config) NewTopology(ex exec.Interface, peers topology.PeerSource, reg *cluster.Registry, log logr.Logger) (topology.Provider, error) {
	t := c.Topology
	switch t.Kind {
	case TopologyCQL:
		if peers == nil {
			return nil, cluster.Errorf(cluster.ErrConfiguration, "cql topology needs a session")
		}
		return topology.NewCQL(peers, reg, c.Cluster.Port, t.ProbeTimeout.Duration, log), nil
	case TopologyNodetool:
		return topology.NewNodetool(ex, c.NodetoolContacts(), reg, t.Nodetool.Timeout.Duration, log), nil
	case TopologyStatic:
		return topology.NewStatic(c.StaticNodes()), nil
	default:
		return nil, cluster.Errorf(cluster.ErrConfiguration, "topology %q cannot be built here", t.Kind)
	}
}

// ConvergencePolicy builds the configured wait policy.
func (c *Config) ConvergencePolicy(log logr.Logger) convergence.Policy {
	cv := c.Convergence
	if cv.Policy == PolicyPoll {
		return convergence.PollUntilStable{
			Interval: cv.Interval.Duration,
			Stable:   cv.StablePolls,
			Timeout:  cv.Timeout.Duration,
			Log:      log,
		}
	}
	return convergence.FixedDelay{Delay: cv.Delay.Duration}
}

// NewSimulator builds an in-process cluster. Nodes are taken from the
// registry in address order, or named node-1..node-N.
func (c *Config) NewSimulator(log logr.Logger) (*sim.Cluster, error) {
	s := c.Simulator
	var nodes []cluster.Node
	reg, err := c.AddressRegistry()
	if err != nil {
		return nil, err
	}
	for _, addr := range reg.Addrs() {
		nodes = append(nodes, reg.Lookup(addr))
	}
	if len(nodes) == 0 {
		for i := 1; i <= s.Nodes; i++ {
			nodes = append(nodes, cluster.Node{
				ID:   fmt.Sprintf("node-%d", i),
				Addr: fmt.Sprintf("127.0.1.%d", i),
			})
		}
	}
	return sim.New(sim.Config{
		Nodes:    sim.Evenly(nodes, s.VNodes),
		RF:       s.RF,
		KeyParts: len(c.Key.PartitionColumns),
		Seed:     s.Seed,
	}, log)
}
