// Command churn runs an in-process overlay on the in-memory network, applies
// random departures and crashes, and checks that the dependency graph
// converges to a single tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/directory"
	"github.com/ryandielhenn/zephyrchat/pkg/node"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/tracker"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
)

type sim struct {
	net   *transport.Network
	rng   *rand.Rand
	cfg   node.Config
	log   *zap.Logger
	nodes map[string]*member
	order []string
	dir   *directory.Service
}

type member struct {
	n  *node.Node
	tr *transport.Mem
}

func main() {
	n := flag.Int("n", 30, "nodes (including the gateway)")
	departures := flag.Int("departures", 10, "departures after the first convergence")
	crashRatio := flag.Float64("crash", 0.5, "fraction of departures that are crashes")
	maxRTT := flag.Duration("rtt", 40*time.Millisecond, "maximum link round-trip time")
	timeout := flag.Duration("timeout", 60*time.Second, "convergence timeout")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	verbose := flag.Bool("v", false, "log node events")
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}

	cfg := node.DefaultConfig()
	cfg.ProbeTimeout = 4 * *maxRTT
	cfg.ConnectTimeout = 8 * *maxRTT
	cfg.RequestTimeout = 8 * *maxRTT
	cfg.RetryInterval = 500 * time.Millisecond
	cfg.LivenessInterval = 200 * time.Millisecond
	cfg.LivenessFailures = 2
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = time.Second

	s := &sim{
		net:   transport.NewNetwork(),
		rng:   rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)),
		cfg:   cfg,
		log:   log,
		nodes: make(map[string]*member),
	}
	fmt.Printf("seed=%d nodes=%d departures=%d\n", *seed, *n, *departures)

	if err := s.run(*n, *departures, *crashRatio, *maxRTT, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func (s *sim) run(n, departures int, crashRatio float64, maxRTT, timeout time.Duration) error {
	defer s.shutdown()

	start := time.Now()
	if err := s.spawn("gw", peer.RoleGateway, "gw", maxRTT); err != nil {
		return err
	}
	for i := 1; i < n; i++ {
		if err := s.spawn(fmt.Sprintf("n%02d", i), peer.RoleNode, "gw", maxRTT); err != nil {
			return err
		}
	}
	if err := s.waitConverged(timeout); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Printf("join converged in %s: %s\n", time.Since(start).Round(time.Millisecond), s.shape())

	start = time.Now()
	crashes := 0
	for i := 0; i < departures && len(s.order) > 2; i++ {
		// Never remove the gateway; it hosts the directory.
		idx := 1 + s.rng.IntN(len(s.order)-1)
		id := s.order[idx]
		s.order = append(s.order[:idx], s.order[idx+1:]...)
		m := s.nodes[id]
		delete(s.nodes, id)
		if s.rng.Float64() < crashRatio {
			crashes++
			_ = m.n.Close()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.n.Leave(ctx); err != nil {
				s.log.Warn("leave", zap.String("id", id), zap.Error(err))
			}
			cancel()
		}
		_ = m.tr.Close()
	}
	if err := s.waitConverged(timeout); err != nil {
		return fmt.Errorf("churn: %w", err)
	}
	fmt.Printf("repair converged in %s after %d crashes and %d leaves: %s\n",
		time.Since(start).Round(time.Millisecond), crashes, departures-crashes, s.shape())
	return nil
}

func (s *sim) spawn(id string, role peer.Role, dirAddr string, maxRTT time.Duration) error {
	tr, err := s.net.Listen(id)
	if err != nil {
		return err
	}
	for _, other := range s.order {
		s.net.SetLatency(id, other, time.Duration(1+s.rng.Int64N(int64(maxRTT))))
	}
	mux := transport.NewMux()
	if role == peer.RoleGateway {
		svc := directory.NewService(directory.NewRegistry(), tr, peer.ID(id), directory.ServiceConfig{
			HealthInterval: 4 * s.cfg.LivenessInterval,
			HealthFailures: 2,
			ProbeTimeout:   s.cfg.ProbeTimeout,
		}, s.log)
		svc.Mount(mux)
		if err := svc.Start(context.Background()); err != nil {
			return err
		}
		s.dir = svc
	}
	cfg := s.cfg
	cfg.ID = peer.ID(id)
	cfg.Role = role
	cfg.DirectoryAddr = dirAddr
	n, err := node.New(tr, mux, cfg, s.log)
	if err != nil {
		return err
	}
	if err := tr.Start(mux); err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	s.nodes[id] = &member{n: n, tr: tr}
	s.order = append(s.order, id)
	return nil
}

// check returns nil once every node is attached under a single root and
// the edges are consistent.
func (s *sim) check() error {
	snaps := make([]tracker.Snapshot, 0, len(s.nodes))
	roots := 0
	for id, m := range s.nodes {
		switch st := m.n.State(); st {
		case node.StandaloneRoot:
			roots++
		case node.Connected:
		default:
			return fmt.Errorf("%s is %s", id, st)
		}
		snaps = append(snaps, m.n.Snapshot())
	}
	if roots != 1 {
		return fmt.Errorf("%d roots", roots)
	}
	if err := tracker.CheckForest(snaps); err != nil {
		return err
	}
	return tracker.CheckSymmetric(snaps)
}

func (s *sim) waitConverged(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := s.check()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// shape summarizes the tree: depth and widest fan-out.
func (s *sim) shape() string {
	depth := make(map[peer.ID]int)
	var depthOf func(id peer.ID) int
	depthOf = func(id peer.ID) int {
		if d, ok := depth[id]; ok {
			return d
		}
		m := s.nodes[string(id)]
		if m == nil {
			return 0
		}
		p, ok := m.n.Parent()
		d := 0
		if ok {
			d = depthOf(p.ID) + 1
		}
		depth[id] = d
		return d
	}
	maxDepth, maxFan := 0, 0
	for id, m := range s.nodes {
		maxDepth = max(maxDepth, depthOf(peer.ID(id)))
		maxFan = max(maxFan, len(m.n.Children()))
	}
	return fmt.Sprintf("%d nodes, depth %d, max fan-out %d", len(s.nodes), maxDepth, maxFan)
}

func (s *sim) shutdown() {
	var errs error
	for _, m := range s.nodes {
		errs = multierr.Append(errs, m.n.Close())
		errs = multierr.Append(errs, m.tr.Close())
	}
	if s.dir != nil {
		errs = multierr.Append(errs, s.dir.Stop())
	}
	if errs != nil {
		s.log.Debug("shutdown", zap.Error(errs))
	}
}
