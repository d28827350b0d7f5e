package topology

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"

	"github.com/dreamware/ringprobe/internal/cluster"
	"github.com/dreamware/ringprobe/internal/ring"
)

const nodetoolRing = `
Datacenter: datacenter1
==========
Address         Rack        Status State   Load            Owns                Token
                                                                               3074457345618258602
172.18.0.2      rack1       Up     Normal  102.4 KiB       ?                   -9223372036854775808
172.18.0.3      rack1       Down   Normal  98.7 KiB        ?                   -3074457345618258603
172.18.0.4:7000 rack1       Up     Normal  110 KiB         33.33%              3074457345618258602

  Warning: "nodetool ring" is used to output all the tokens of a node.
`

var testRegistry = cluster.MustRegistry(map[string]string{
	"172.18.0.2": "cassandra-1",
	"172.18.0.3": "cassandra-2",
	"172.18.0.4": "cassandra-3",
})

func TestParseNodetoolRing(t *testing.T) {
	entries, err := ParseNodetoolRing(nodetoolRing, testRegistry)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ring.MinToken, entries[0].Token)
	assert.Equal(t, cluster.Node{ID: "cassandra-1", Addr: "172.18.0.2", Status: cluster.StatusUp}, entries[0].Node)
	assert.Equal(t, cluster.StatusDown, entries[1].Node.Status)
	assert.Equal(t, "cassandra-3", entries[2].Node.ID)
	assert.Equal(t, "172.18.0.4", entries[2].Node.Addr)
}

func TestParseNodetoolRingUnknownAddress(t *testing.T) {
	entries, err := ParseNodetoolRing("10.9.9.9  r1  Up  Normal  1 KiB  ?  42", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cluster.Node{ID: "10.9.9.9", Addr: "10.9.9.9", Status: cluster.StatusUp}, entries[0].Node)
}

func TestParseNodetoolRingUnknownStatus(t *testing.T) {
	entries, err := ParseNodetoolRing("172.18.0.2  rack1  ?  Normal  102.4 KiB  33.33%  100", testRegistry)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cluster.StatusUnknown, entries[0].Node.Status)

	snap := ring.NewSnapshot("nodetool", time.Now(), entries)
	assert.Equal(t, 1, snap.Live().Len(), "a node gossip has not decided on stays live")
}

func TestParseNodetoolRingEmpty(t *testing.T) {
	_, err := ParseNodetoolRing("Datacenter: dc1\n==========\n", testRegistry)
	assert.ErrorIs(t, err, cluster.ErrConfiguration)
}

func TestParseNodetoolRingBadToken(t *testing.T) {
	_, err := ParseNodetoolRing("10.0.0.1  r1  Up  Normal  1 KiB  ?  99999999999999999999", nil)
	assert.ErrorIs(t, err, cluster.ErrConfiguration)
}

func fakeCmd(out string, err error) fakeexec.FakeCommandAction {
	return func(cmd string, args ...string) exec.Cmd {
		fc := &fakeexec.FakeCmd{
			CombinedOutputScript: []fakeexec.FakeAction{
				func() ([]byte, []byte, error) { return []byte(out), nil, err },
			},
		}
		return fakeexec.InitFakeCmd(fc, cmd, args...)
	}
}

func TestNodetoolSnapshot(t *testing.T) {
	var argv []string
	fe := &fakeexec.FakeExec{
		CommandScript: []fakeexec.FakeCommandAction{
			func(cmd string, args ...string) exec.Cmd {
				argv = append([]string{cmd}, args...)
				return fakeCmd(nodetoolRing, nil)(cmd, args...)
			},
		},
	}

	p := NewNodetool(fe, [][]string{{"docker", "exec", "cassandra-1", "nodetool"}}, testRegistry, time.Second, logr.Discard())
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"docker", "exec", "cassandra-1", "nodetool", "ring"}, argv)
	assert.Equal(t, "nodetool", snap.Source)
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 2, snap.Live().Len())
}

func TestNodetoolFallsBackToNextContact(t *testing.T) {
	fe := &fakeexec.FakeExec{
		CommandScript: []fakeexec.FakeCommandAction{
			fakeCmd("Error response from daemon: container is not running", &fakeexec.FakeExitError{Status: 1}),
			fakeCmd(nodetoolRing, nil),
		},
	}

	p := NewNodetool(fe, [][]string{
		{"docker", "exec", "cassandra-1", "nodetool"},
		{"docker", "exec", "cassandra-2", "nodetool"},
	}, testRegistry, time.Second, logr.Discard())

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 2, fe.CommandCalls)
}

func TestNodetoolAllContactsFail(t *testing.T) {
	fe := &fakeexec.FakeExec{
		CommandScript: []fakeexec.FakeCommandAction{
			fakeCmd("nodetool: Failed to connect", &fakeexec.FakeExitError{Status: 1}),
		},
	}
	p := NewNodetool(fe, [][]string{{"nodetool"}}, nil, time.Second, logr.Discard())

	_, err := p.Snapshot(context.Background())
	assert.ErrorIs(t, err, cluster.ErrConnectivity)
	assert.Contains(t, err.Error(), "Failed to connect")

	_, err = NewNodetool(fe, nil, nil, time.Second, logr.Discard()).Snapshot(context.Background())
	assert.ErrorIs(t, err, cluster.ErrConfiguration)
}

type stubPeers struct {
	peers []Peer
	err   error
}

func (s stubPeers) Peers(context.Context) ([]Peer, error) { return s.peers, s.err }

type nopConn struct{ net.Conn }

func (nopConn) Close() error { return nil }

func TestCQLSnapshot(t *testing.T) {
	peers := stubPeers{peers: []Peer{
		{Addr: "172.18.0.2", Tokens: []string{"-100", "500"}},
		{Addr: "172.18.0.3", Tokens: []string{"0"}},
	}}
	p := NewCQL(peers, testRegistry, 9042, time.Second, logr.Discard())
	p.dial = func(_ context.Context, _, address string) (net.Conn, error) {
		if address == "172.18.0.3:9042" {
			return nil, errors.New("connection refused")
		}
		return nopConn{}, nil
	}

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, snap.Len())

	entries := snap.Entries()
	assert.Equal(t, ring.Token(-100), entries[0].Token)
	assert.Equal(t, "cassandra-1", entries[0].Node.ID)
	assert.Equal(t, cluster.StatusUp, entries[0].Node.Status)
	assert.Equal(t, cluster.StatusDown, entries[1].Node.Status)
	assert.Equal(t, 2, snap.Live().Len())
}

func TestCQLSnapshotErrors(t *testing.T) {
	p := NewCQL(stubPeers{err: context.DeadlineExceeded}, nil, 9042, 0, logr.Discard())
	_, err := p.Snapshot(context.Background())
	assert.ErrorIs(t, err, cluster.ErrTimeout)

	p = NewCQL(stubPeers{}, nil, 9042, time.Second, logr.Discard())
	_, err = p.Snapshot(context.Background())
	assert.ErrorIs(t, err, cluster.ErrConfiguration)

	p = NewCQL(stubPeers{peers: []Peer{{Addr: "10.0.0.1", Tokens: []string{"x"}}}}, nil, 9042, time.Second, logr.Discard())
	p.dial = func(context.Context, string, string) (net.Conn, error) { return nopConn{}, nil }
	_, err = p.Snapshot(context.Background())
	assert.ErrorIs(t, err, cluster.ErrConfiguration)
}

func TestCQLSnapshotCancelled(t *testing.T) {
	peers := stubPeers{peers: []Peer{
		{Addr: "172.18.0.2", Tokens: []string{"0"}},
		{Addr: "172.18.0.3", Tokens: []string{"100"}},
		{Addr: "172.18.0.4", Tokens: []string{"200"}},
	}}
	var dials atomic.Int32
	p := NewCQL(peers, testRegistry, 9042, time.Minute, logr.Discard())
	p.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Snapshot(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second, "probes outlived the caller's context")
	assert.EqualValues(t, 3, dials.Load())
}

func TestStaticSnapshot(t *testing.T) {
	a := cluster.Node{ID: "A", Addr: "10.0.0.1"}
	b := cluster.Node{ID: "B", Addr: "10.0.0.2"}
	s := NewStatic([]StaticNode{
		{Node: a, Tokens: []ring.Token{10, 90}},
		{Node: b, Tokens: []ring.Token{50}},
	})

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Len())
	assert.Equal(t, 3, snap.Live().Len())

	s.SetStatus(b, cluster.StatusDown)
	snap, err = s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Live().Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Snapshot(ctx)
	assert.Error(t, err)
}
