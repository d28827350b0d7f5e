// Package config loads ringprobe's YAML configuration.
//
// A config file names the cluster to connect to, the partition key and the
// traced operations, the address registry, and how to stop nodes, read the
// ring and wait for convergence. Every field has a default, so an empty file
// describes a local three-node docker cluster:
//
//	cluster:
//	  hosts: [127.0.0.1]
//	  keyspace: trackbirds
//	key:
//	  table: birds_tracking
//	  partitionColumns: [bird_id, date]
//	operations:
//	  - name: read
//	    statement: SELECT timestamp, species FROM birds_tracking WHERE bird_id = ? AND date = ? LIMIT 5
//	  - name: write
//	    statement: INSERT INTO birds_tracking (bird_id, date, timestamp, species, latitude, longitude) VALUES (?, ?, toTimestamp(now()), ?, ?, ?)
//	    values: [sparrow, 47.6062, -122.3321]
//	registry:
//	  172.18.0.2: cassandra-1
//	  172.18.0.3: cassandra-2
//	  172.18.0.4: cassandra-3
//	controlPlane:
//	  kind: docker
//	topology:
//	  kind: nodetool
//	  nodetool:
//	    containers: [cassandra-1]
//	convergence:
//	  policy: poll
//	  stablePolls: 3
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// Environment variables consulted when no flag is given.
const (
	EnvConfig    = "RINGPROBE_CONFIG"
	EnvAgentAddr = "RINGAGENT_ADDR"
)

// Duration is a time.Duration written as "15s" in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = v
	return nil
}

// MarshalYAML writes the string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the root of the configuration file.
type Config struct {
	Cluster      ClusterConfig      `yaml:"cluster"`
	Key          KeyConfig          `yaml:"key"`
	Operations   []OperationConfig  `yaml:"operations"`
	Registry     map[string]string  `yaml:"registry"`
	ControlPlane ControlPlaneConfig `yaml:"controlPlane"`
	Topology     TopologyConfig     `yaml:"topology"`
	Convergence  ConvergenceConfig  `yaml:"convergence"`
	Report       ReportConfig       `yaml:"report"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Simulator    SimulatorConfig    `yaml:"simulator"`
	Log          LogConfig          `yaml:"log"`
}

// ClusterConfig is how to reach the store.
type ClusterConfig struct {
	Hosts          []string `yaml:"hosts"`
	Port           int      `yaml:"port"`
	Keyspace       string   `yaml:"keyspace"`
	Consistency    string   `yaml:"consistency"`
	Timeout        Duration `yaml:"timeout"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	TraceAttempts  int      `yaml:"traceAttempts"`
	TraceInterval  Duration `yaml:"traceInterval"`
}

// KeyConfig locates the partition under test.
type KeyConfig struct {
	Table            string   `yaml:"table"`
	PartitionColumns []string `yaml:"partitionColumns"`
	// Default is used when no key is given on the command line,
	// components separated by ':'.
	Default string `yaml:"default"`
}

// OperationConfig is one traced statement. The partition key components
// are bound first, then Values. Values keep the type YAML decodes them to,
// so 47.6 binds as a double and sparrow as text.
type OperationConfig struct {
	Name      string `yaml:"name"`
	Statement string `yaml:"statement"`
	Values    []any  `yaml:"values"`
}

// Control plane kinds.
const (
	ControlPlaneDocker = "docker"
	ControlPlaneVM     = "vm"
	ControlPlaneHTTP   = "http"
	ControlPlaneSim    = "sim"
)

// ControlPlaneConfig selects how nodes are stopped and started.
type ControlPlaneConfig struct {
	Kind    string       `yaml:"kind"`
	Timeout Duration     `yaml:"timeout"`
	Docker  DockerConfig `yaml:"docker"`
	VM      VMConfig     `yaml:"vm"`
	HTTP    HTTPConfig   `yaml:"http"`
}

// DockerConfig drives containers through the docker CLI.
type DockerConfig struct {
	Binary string `yaml:"binary"`
}

// VMConfig drives VirtualMachines through VirtualMachineOperations.
type VMConfig struct {
	Kubeconfig string   `yaml:"kubeconfig"`
	Namespace  string   `yaml:"namespace"`
	Interval   Duration `yaml:"interval"`
	Timeout    Duration `yaml:"timeout"`
	Force      bool     `yaml:"force"`
}

// HTTPConfig points at a ringagent.
type HTTPConfig struct {
	URL string `yaml:"url"`
}

// Topology kinds.
const (
	TopologyCQL      = "cql"
	TopologyNodetool = "nodetool"
	TopologyStatic   = "static"
	TopologySim      = "sim"
)

// TopologyConfig selects where ring snapshots come from.
type TopologyConfig struct {
	Kind         string             `yaml:"kind"`
	ProbeTimeout Duration           `yaml:"probeTimeout"`
	Nodetool     NodetoolConfig     `yaml:"nodetool"`
	Static       []StaticNodeConfig `yaml:"static"`
}

// NodetoolConfig runs `nodetool ring`, through `docker exec` when
// Containers is set. Containers are tried in order.
type NodetoolConfig struct {
	Command    []string `yaml:"command"`
	Containers []string `yaml:"containers"`
	Timeout    Duration `yaml:"timeout"`
}

// StaticNodeConfig declares one node of a static ring.
type StaticNodeConfig struct {
	Name   string  `yaml:"name"`
	Addr   string  `yaml:"addr"`
	Tokens []int64 `yaml:"tokens"`
	Status string  `yaml:"status"`
}

// Convergence policies.
const (
	PolicyFixed = "fixed"
	PolicyPoll  = "poll"
)

// ConvergenceConfig selects how long to wait after a stop or start.
type ConvergenceConfig struct {
	Policy      string   `yaml:"policy"`
	Delay       Duration `yaml:"delay"`
	Interval    Duration `yaml:"interval"`
	StablePolls int      `yaml:"stablePolls"`
	Timeout     Duration `yaml:"timeout"`
}

// ReportConfig is where the text report goes. An empty path disables it.
type ReportConfig struct {
	Path string `yaml:"path"`
}

// RecoveryConfig controls the restart at the end of a run.
type RecoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SimulatorConfig shapes the in-process cluster of the simulate command.
// Node names come from the registry when it is set.
type SimulatorConfig struct {
	Nodes  int   `yaml:"nodes"`
	VNodes int   `yaml:"vnodes"`
	RF     int   `yaml:"rf"`
	Seed   int64 `yaml:"seed"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration of a local three-node docker cluster.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Hosts:          []string{"127.0.0.1"},
			Port:           9042,
			Keyspace:       "trackbirds",
			Consistency:    "ONE",
			Timeout:        Duration{10 * time.Second},
			ConnectTimeout: Duration{5 * time.Second},
			TraceAttempts:  10,
			TraceInterval:  Duration{200 * time.Millisecond},
		},
		Key: KeyConfig{
			Table:            "birds_tracking",
			PartitionColumns: []string{"bird_id", "date"},
			Default:          "bird_01:2024-05-01",
		},
		Operations: []OperationConfig{
			{
				Name:      "read",
				Statement: "SELECT timestamp, species, latitude, longitude FROM birds_tracking WHERE bird_id = ? AND date = ? ORDER BY timestamp DESC LIMIT 5",
			},
			{
				Name:      "write",
				Statement: "INSERT INTO birds_tracking (bird_id, date, timestamp, species, latitude, longitude) VALUES (?, ?, toTimestamp(now()), ?, ?, ?)",
				Values:    []any{"sparrow", 47.6062, -122.3321},
			},
		},
		ControlPlane: ControlPlaneConfig{
			Kind:    ControlPlaneDocker,
			Timeout: Duration{time.Minute},
			Docker:  DockerConfig{Binary: "docker"},
			VM: VMConfig{
				Namespace: "default",
				Interval:  Duration{2 * time.Second},
				Timeout:   Duration{5 * time.Minute},
			},
		},
		Topology: TopologyConfig{
			Kind:         TopologyCQL,
			ProbeTimeout: Duration{2 * time.Second},
			Nodetool: NodetoolConfig{
				Command: []string{"nodetool"},
				Timeout: Duration{30 * time.Second},
			},
		},
		Convergence: ConvergenceConfig{
			Policy:      PolicyFixed,
			Delay:       Duration{15 * time.Second},
			Interval:    Duration{2 * time.Second},
			StablePolls: 3,
			Timeout:     Duration{2 * time.Minute},
		},
		Report:    ReportConfig{Path: "ringprobe-report.txt"},
		Recovery:  RecoveryConfig{Enabled: true},
		Simulator: SimulatorConfig{Nodes: 3, VNodes: 4, RF: 2},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path on fs over the defaults. An empty path falls back to
// $RINGPROBE_CONFIG; when that is unset too the defaults are returned.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = Getenv(EnvConfig, "")
	}
	if path == "" {
		return cfg, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cluster.Errorf(cluster.ErrConfiguration, "config file %s not found", path)
		}
		return nil, cluster.Errorf(cluster.ErrConfiguration, "reading %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "parsing %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail late, in the
// middle of a run.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Key.PartitionColumns) == 0 {
		add("key.partitionColumns is empty")
	}
	if len(c.Operations) == 0 {
		add("no operations configured")
	}
	for i, op := range c.Operations {
		if op.Name == "" || op.Statement == "" {
			add("operations[%d] needs a name and a statement", i)
		}
	}
	switch c.ControlPlane.Kind {
	case ControlPlaneDocker, ControlPlaneVM, ControlPlaneSim:
	case ControlPlaneHTTP:
		if c.ControlPlane.HTTP.URL == "" {
			add("controlPlane.http.url is required")
		}
	default:
		add("unknown controlPlane.kind %q", c.ControlPlane.Kind)
	}
	switch c.Topology.Kind {
	case TopologyCQL, TopologyNodetool, TopologySim:
	case TopologyStatic:
		if len(c.Topology.Static) == 0 {
			add("topology.static declares no nodes")
		}
		for i, n := range c.Topology.Static {
			if n.Addr == "" || len(n.Tokens) == 0 {
				add("topology.static[%d] needs an addr and tokens", i)
			}
		}
	default:
		add("unknown topology.kind %q", c.Topology.Kind)
	}
	switch c.Convergence.Policy {
	case PolicyFixed, PolicyPoll:
	default:
		add("unknown convergence.policy %q", c.Convergence.Policy)
	}
	if (c.ControlPlane.Kind == ControlPlaneSim) != (c.Topology.Kind == TopologySim) {
		add("controlPlane.kind and topology.kind must both be %q or neither", ControlPlaneSim)
	}
	if _, err := cluster.NewRegistry(c.Registry); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return cluster.Errorf(cluster.ErrConfiguration, "%v", errors.Join(errs...))
}

// Getenv returns the environment value of k, or def when unset or empty.
func Getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
