package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/directory"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/probe"
	"github.com/ryandielhenn/zephyrchat/pkg/tracker"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

const waitFor = 5 * time.Second

func testConfig() Config {
	return Config{
		ProbeTimeout:   300 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
		RequestTimeout: 500 * time.Millisecond,
		RetryInterval:  200 * time.Millisecond,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}
}

// quietRoot keeps a standalone root from retrying during a test.
func quietRoot() Config {
	cfg := testConfig()
	cfg.RetryInterval = time.Hour
	return cfg
}

// cluster is a set of nodes on one in-memory network sharing a directory.
// The directory is hosted by the first gateway unless directoryAt is called
// first.
type cluster struct {
	t       *testing.T
	net     *transport.Network
	dirAddr string
	reg     *directory.Registry

	mu    sync.Mutex
	nodes map[peer.ID]*Node
	trs   map[peer.ID]*transport.Mem
	gone  map[peer.ID]bool
}

func newCluster(t *testing.T) *cluster {
	return &cluster{
		t:     t,
		net:   transport.NewNetwork(),
		nodes: make(map[peer.ID]*Node),
		trs:   make(map[peer.ID]*transport.Mem),
		gone:  make(map[peer.ID]bool),
	}
}

func (c *cluster) hostDirectory(tr transport.Transport, mux *transport.Mux, self peer.ID) {
	c.reg = directory.NewRegistry()
	svc := directory.NewService(c.reg, tr, self, directory.ServiceConfig{}, zap.NewNop())
	svc.Mount(mux)
	require.NoError(c.t, svc.Start(context.Background()))
	c.t.Cleanup(func() { _ = svc.Stop() })
	c.dirAddr = tr.Addr()
}

// directoryAt runs a directory on its own endpoint.
func (c *cluster) directoryAt(addr string) {
	tr, err := c.net.Listen(addr)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = tr.Close() })
	mux := transport.NewMux()
	mux.Handle(wire.KindProbe, probe.Pong(peer.ID(addr)))
	c.hostDirectory(tr, mux, peer.ID(addr))
	require.NoError(c.t, tr.Start(mux))
}

func (c *cluster) add(id string, role peer.Role, cfg Config) *Node {
	c.t.Helper()
	tr, err := c.net.Listen(id)
	require.NoError(c.t, err)
	mux := transport.NewMux()
	if c.dirAddr == "" {
		require.Equal(c.t, peer.RoleGateway, role, "first node must be the gateway")
		c.hostDirectory(tr, mux, peer.ID(id))
	}
	cfg.ID = peer.ID(id)
	cfg.Role = role
	cfg.DirectoryAddr = c.dirAddr
	n, err := New(tr, mux, cfg, zap.NewNop())
	require.NoError(c.t, err)
	require.NoError(c.t, tr.Start(mux))
	require.NoError(c.t, n.Start())
	c.t.Cleanup(func() {
		_ = n.Close()
		_ = tr.Close()
	})

	c.mu.Lock()
	c.nodes[n.Self().ID] = n
	c.trs[n.Self().ID] = tr
	delete(c.gone, n.Self().ID)
	c.mu.Unlock()
	return n
}

// restart brings a departed node back at the same address and id.
func (c *cluster) restart(id string, role peer.Role, cfg Config) *Node {
	c.t.Helper()
	c.mu.Lock()
	gone := c.gone[peer.ID(id)]
	c.mu.Unlock()
	require.True(c.t, gone, "%s is still running", id)
	return c.add(id, role, cfg)
}

// fake registers a bare endpoint in the directory that answers probes and
// serves extra handlers given by the test.
func (c *cluster) fake(id string, handlers map[wire.Kind]transport.HandlerFunc) *transport.Mem {
	c.t.Helper()
	tr, err := c.net.Listen(id)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = tr.Close() })
	mux := transport.NewMux()
	mux.Handle(wire.KindProbe, probe.Pong(peer.ID(id)))
	for k, h := range handlers {
		mux.Handle(k, h)
	}
	require.NoError(c.t, tr.Start(mux))
	_, err = c.reg.Register(id, peer.RoleNode, peer.ID(id))
	require.NoError(c.t, err)
	return tr
}

func (c *cluster) leave(n *Node) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(c.t, n.Leave(ctx))
	c.drop(n.Self().ID)
}

// crash stops n without any message to its neighbours.
func (c *cluster) crash(n *Node) {
	_ = n.Close()
	c.drop(n.Self().ID)
}

func (c *cluster) drop(id peer.ID) {
	c.mu.Lock()
	tr := c.trs[id]
	c.gone[id] = true
	c.mu.Unlock()
	_ = tr.Close()
}

func (c *cluster) live() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, 0, len(c.nodes))
	for id, n := range c.nodes {
		if !c.gone[id] {
			out = append(out, n)
		}
	}
	return out
}

func snapshots(nodes []*Node) []tracker.Snapshot {
	out := make([]tracker.Snapshot, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	return out
}

// converged reports nil once every live node is attached, exactly one is a
// standalone root and the edges form a consistent forest.
func (c *cluster) converged() error {
	nodes := c.live()
	roots := 0
	for _, n := range nodes {
		switch s := n.State(); s {
		case StandaloneRoot:
			roots++
		case Connected:
		default:
			return fmt.Errorf("%s is %s", n.Self().ID, s)
		}
	}
	if roots != 1 {
		return fmt.Errorf("%d standalone roots", roots)
	}
	snaps := snapshots(nodes)
	if err := tracker.CheckForest(snaps); err != nil {
		return err
	}
	return tracker.CheckSymmetric(snaps)
}

func (c *cluster) waitConverged() {
	c.t.Helper()
	var last error
	require.Eventually(c.t, func() bool {
		last = c.converged()
		return last == nil
	}, 3*waitFor, 20*time.Millisecond, "cluster did not converge")
	require.NoError(c.t, last)
}

func parentID(n *Node) peer.ID {
	p, _ := n.Parent()
	return p.ID
}

func childIDs(n *Node) []peer.ID {
	out := []peer.ID{}
	for _, c := range n.Children() {
		out = append(out, c.ID)
	}
	return out
}

func waitState(t *testing.T, n *Node, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return n.State() == want }, waitFor, 5*time.Millisecond,
		"%s never reached %s", n.Self().ID, want)
}

func waitParent(t *testing.T, n *Node, want peer.ID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.State() == Connected && parentID(n) == want
	}, waitFor, 5*time.Millisecond, "%s never attached to %s", n.Self().ID, want)
}

func waitChildren(t *testing.T, n *Node, want ...peer.ID) {
	t.Helper()
	if want == nil {
		want = []peer.ID{}
	}
	require.Eventually(t, func() bool {
		got := childIDs(n)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond, "%s children never became %v", n.Self().ID, want)
}
