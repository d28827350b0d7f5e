// Package cql connects ringprobe to a Cassandra-compatible store through
// gocql. One Session serves three roles:
//
//   - topology.PeerSource: tokens from system.local and system.peers
//   - topology.TokenSource: token(pk...) of a partition key
//   - tracer.DataPlane: traced statements, with the trace read back from
//     system_traces.sessions and system_traces.events
package cql

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gocql/gocql"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
	"github.com/dreamware/ringprobe/internal/topology"
)

// Config holds connection and query settings.
type Config struct {
	Hosts          []string
	Port           int
	Keyspace       string
	Consistency    string
	Timeout        time.Duration
	ConnectTimeout time.Duration

	// Table and PartitionColumns locate the partition whose token is asked for.
	Table            string
	PartitionColumns []string

	// TraceAttempts and TraceInterval bound the wait for a trace to be
	// written; the store writes traces asynchronously.
	TraceAttempts int
	TraceInterval time.Duration
}

// Session wraps a gocql session.
type Session struct {
	s   *gocql.Session
	cfg Config
	log logr.Logger
}

// Open connects to the cluster.
func Open(cfg Config, log logr.Logger) (*Session, error) {
	cc, err := newClusterConfig(cfg)
	if err != nil {
		return nil, err
	}
	s, err := cc.CreateSession()
	if err != nil {
		return nil, cluster.Errorf(cluster.ErrConnectivity, "connecting to %s: %v", strings.Join(cfg.Hosts, ","), err)
	}
	if cfg.TraceAttempts <= 0 {
		cfg.TraceAttempts = 10
	}
	if cfg.TraceInterval <= 0 {
		cfg.TraceInterval = 200 * time.Millisecond
	}
	return &Session{s: s, cfg: cfg, log: log.WithName("cql")}, nil
}

func newClusterConfig(cfg Config) (*gocql.ClusterConfig, error) {
	if len(cfg.Hosts) == 0 {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "no contact hosts configured")
	}
	cc := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cc.Port = cfg.Port
	}
	cc.Keyspace = cfg.Keyspace
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, cluster.Errorf(cluster.ErrConfiguration, "consistency %q: %v", cfg.Consistency, err)
		}
		cc.Consistency = c
	}
	if cfg.Timeout > 0 {
		cc.Timeout = cfg.Timeout
	}
	if cfg.ConnectTimeout > 0 {
		cc.ConnectTimeout = cfg.ConnectTimeout
	}
	return cc, nil
}

// Close releases the session.
func (s *Session) Close() {
	s.s.Close()
}

var _ topology.PeerSource = (*Session)(nil)
var _ topology.TokenSource = (*Session)(nil)

// Peers reads the contacted node from system.local and the others from
// system.peers.
func (s *Session) Peers(ctx context.Context) ([]topology.Peer, error) {
	var (
		local  net.IP
		tokens []string
	)
	err := s.s.Query("SELECT listen_address, tokens FROM system.local").WithContext(ctx).Scan(&local, &tokens)
	if err != nil {
		return nil, classify(err, "reading system.local")
	}
	peers := []topology.Peer{{Addr: local.String(), Tokens: tokens}}

	iter := s.s.Query("SELECT peer, tokens FROM system.peers").WithContext(ctx).Iter()
	var peer net.IP
	for iter.Scan(&peer, &tokens) {
		peers = append(peers, topology.Peer{Addr: peer.String(), Tokens: tokens})
		tokens = nil
	}
	if err := iter.Close(); err != nil {
		return nil, classify(err, "reading system.peers")
	}
	return peers, nil
}

// TokenOf asks the store for token(pk...) of key.
func (s *Session) TokenOf(ctx context.Context, key ring.Key) (ring.Token, error) {
	q, err := tokenQuery(s.cfg.Table, s.cfg.PartitionColumns, len(key))
	if err != nil {
		return 0, err
	}
	var tok int64
	if err := s.s.Query(q, key.Args()...).WithContext(ctx).Scan(&tok); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return 0, cluster.Errorf(cluster.ErrConfiguration, "no row for key %s in %s", key, s.cfg.Table)
		}
		return 0, classify(err, "token of %s", key)
	}
	return ring.Token(tok), nil
}

// tokenQuery builds
//
//	SELECT token(bird_id, date) FROM bird_sightings WHERE bird_id = ? AND date = ? LIMIT 1
func tokenQuery(table string, cols []string, keyLen int) (string, error) {
	if table == "" || len(cols) == 0 {
		return "", cluster.Errorf(cluster.ErrConfiguration, "token lookup needs a table and partition columns")
	}
	if keyLen != len(cols) {
		return "", cluster.Errorf(cluster.ErrConfiguration,
			"key has %d components but %s has %d partition columns", keyLen, table, len(cols))
	}
	where := make([]string, len(cols))
	for i, c := range cols {
		where[i] = c + " = ?"
	}
	return fmt.Sprintf("SELECT token(%s) FROM %s WHERE %s LIMIT 1",
		strings.Join(cols, ", "), table, strings.Join(where, " AND ")), nil
}

func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, gocql.ErrNoConnections), errors.Is(err, gocql.ErrConnectionClosed):
		return cluster.Errorf(cluster.ErrConnectivity, "%s: %v", msg, err)
	case errors.Is(err, gocql.ErrTimeoutNoResponse):
		return cluster.Errorf(cluster.ErrTimeout, "%s: %v", msg, err)
	}
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeUnavailable, gocql.ErrCodeReadTimeout, gocql.ErrCodeWriteTimeout:
			return cluster.Errorf(cluster.ErrConnectivity, "%s: %v", msg, err)
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid, gocql.ErrCodeUnauthorized:
			return cluster.Errorf(cluster.ErrConfiguration, "%s: %v", msg, err)
		}
	}
	return cluster.Classify(err, "%s", msg)
}
