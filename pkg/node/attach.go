package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
	"github.com/ryandielhenn/zephyrchat/pkg/directory"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/selector"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

type outcome int

const (
	attached outcome = iota
	standalone
	directoryDown
	aborted
)

// run is the state-machine loop. It performs the join, then waits for a
// parent loss or a retry deadline and attaches again.
func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     n.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         n.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	var retry *clock.Timer
	var retryC <-chan time.Time
	schedule := func(d time.Duration) {
		if retry != nil {
			retry.Stop()
		}
		retry = n.clock.Timer(d)
		retryC = retry.C
	}
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	attempt := func() {
		retryC = nil
		switch n.attach(ctx) {
		case attached:
			bo.Reset()
		case standalone:
			bo.Reset()
			schedule(jitter(n.cfg.RetryInterval))
		case directoryDown:
			d := bo.NextBackOff()
			n.log.Debug("directory unreachable, backing off", zap.Duration("wait", d))
			schedule(d)
		}
	}

	attempt()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.log.Info("parent lost", zap.String("parent", string(ev.Parent)), zap.String("source", ev.Source))
			if n.State() == Orphaned {
				attempt()
			}
		case <-retryC:
			attempt()
		}
	}
}

// attach runs one join, repair or retry round from the current state.
func (n *Node) attach(ctx context.Context) outcome {
	n.mu.Lock()
	from := n.state
	leaving := n.leaving
	n.mu.Unlock()
	if leaving || from == Connected {
		return aborted
	}

	if err := n.register(ctx); err != nil {
		if errors.Is(err, ErrLeaving) {
			return aborted
		}
		return n.attachFailed(ctx, "register", err)
	}
	candidates, err := n.dir.Load().ListPeers(ctx, n.self.ID)
	if err != nil {
		return n.attachFailed(ctx, "list_peers", err)
	}
	candidates = selector.Without(candidates, func(id peer.ID) bool {
		return id == n.self.ID || n.edges.HasChild(id)
	})

	if from != StandaloneRoot {
		n.setState(Probing)
	}
	results := n.prober.Probe(ctx, candidates, n.cfg.ProbeTimeout)
	if ctx.Err() != nil {
		return aborted
	}
	ranking, err := selector.Select(results)
	if err != nil {
		n.log.Info("no candidate available", zap.Int("probed", len(candidates)))
		n.setState(StandaloneRoot)
		return standalone
	}

	if from == StandaloneRoot {
		ranking = n.outsideOwnTree(ctx, ranking)
		if len(ranking) == 0 {
			return standalone
		}
		n.setState(Probing)
	}
	for _, cand := range ranking {
		if n.edges.HasChild(cand.ID) {
			continue
		}
		err := n.connect(ctx, cand)
		if err == nil {
			telemetry.ConnectAttempts.WithLabelValues("accepted").Inc()
			return attached
		}
		if ctx.Err() != nil || errors.Is(err, ErrLeaving) {
			return aborted
		}
		switch {
		case errors.Is(err, ErrConnectionTimeout):
			telemetry.ConnectAttempts.WithLabelValues("timeout").Inc()
		default:
			telemetry.ConnectAttempts.WithLabelValues("refused").Inc()
		}
		n.log.Debug("candidate rejected", zap.Stringer("candidate", cand), zap.Error(err))
	}
	n.log.Info("ranking exhausted", zap.Int("candidates", len(ranking)))
	n.setState(StandaloneRoot)
	return standalone
}

func (n *Node) attachFailed(ctx context.Context, op string, err error) outcome {
	if ctx.Err() != nil {
		return aborted
	}
	// A rejected registration is retried on the same schedule as an
	// unreachable directory; the node keeps its state either way.
	if errors.Is(err, directory.ErrDirectoryUnreachable) {
		n.log.Warn("directory unreachable", zap.String("op", op), zap.Error(err))
	} else {
		n.log.Warn("directory rejected request", zap.String("op", op), zap.Error(err))
	}
	return directoryDown
}

// outsideOwnTree keeps the candidates whose lineage is rooted somewhere
// other than this node. Called while still STANDALONE_ROOT, so members of
// this node's own tree report a path that starts here.
func (n *Node) outsideOwnTree(ctx context.Context, ranking []peer.Record) []peer.Record {
	keep := make([]bool, len(ranking))
	var g errgroup.Group
	for i, c := range ranking {
		g.Go(func() error {
			path, rooted, err := n.queryLineage(ctx, c, 1)
			keep[i] = err == nil && rooted && !slices.Contains(path, n.self.ID)
			return nil
		})
	}
	_ = g.Wait()
	out := ranking[:0:0]
	for i, c := range ranking {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

// jitter spreads retries of standalone roots so that two of them do not
// keep probing each other in lockstep.
func jitter(d time.Duration) time.Duration {
	// rand.N panics on a non-positive bound.
	if d/5 <= 0 {
		return d
	}
	return d + rand.N(d/5)
}

// connect asks cand to adopt this node. On accept the parent edge is set
// and the node becomes CONNECTED.
func (n *Node) connect(ctx context.Context, cand peer.Record) error {
	req, err := wire.New(wire.KindConnect, n.self.ID, wire.ConnectRequest{Child: n.self, Budget: n.cfg.ConnectTimeout})
	if err != nil {
		return err
	}
	abandon := func() { n.release(cand, req.ID) }
	cctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	reply, err := n.tr.Request(cctx, cand.Addr, req)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The accept may have been lost on the way back, or the
			// candidate may still be deciding.
			abandon()
			return fmt.Errorf("%w: %s", ErrConnectionTimeout, cand)
		}
		return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, cand, err)
	}

	switch reply.Kind {
	case wire.KindAccept:
	case wire.KindRefuse:
		var r wire.RefuseResponse
		_ = reply.Decode(&r)
		return fmt.Errorf("%w: %s: %s", ErrConnectionRefused, cand, r.Reason)
	default:
		return fmt.Errorf("%w: %s: unexpected reply %s", ErrConnectionRefused, cand, reply.Kind)
	}
	var acc wire.AcceptResponse
	if err := reply.Decode(&acc); err != nil {
		abandon()
		return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, cand, err)
	}

	n.mu.Lock()
	if n.leaving {
		n.mu.Unlock()
		abandon()
		return ErrLeaving
	}
	if err := n.edges.SetParent(cand); err != nil {
		n.mu.Unlock()
		abandon()
		return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, cand, err)
	}
	n.setStateLocked(Connected)
	n.mu.Unlock()

	n.liveness.Remove(cand.ID)
	n.log.Info("attached", zap.Stringer("parent", cand), zap.Int("depth", len(acc.Path)))
	return nil
}

// release tells p to drop this node as a child, and to refuse the connect
// request connectID if one is given. Delivery is best effort.
func (n *Node) release(p peer.Record, connectID string) {
	msg, err := wire.New(wire.KindRelease, n.self.ID, wire.ReleaseRequest{ChildID: n.self.ID, ConnectID: connectID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
	defer cancel()
	if err := n.tr.Send(ctx, p.Addr, msg); err != nil {
		n.log.Debug("release not delivered", zap.Stringer("peer", p), zap.Error(err))
	}
}

// parentLost orphans the node if id is still its parent. A signal and a
// liveness detection for the same parent race here; only the first one
// changes anything.
func (n *Node) parentLost(id peer.ID, source string) bool {
	n.mu.Lock()
	p, ok := n.edges.Parent()
	if n.state != Connected || !ok || p.ID != id {
		n.mu.Unlock()
		n.log.Debug("stale parent loss ignored", zap.String("parent", string(id)), zap.String("source", source))
		return false
	}
	n.edges.ClearParent()
	n.setStateLocked(Orphaned)
	n.mu.Unlock()

	n.liveness.Remove(id)
	telemetry.ParentLost.WithLabelValues(source).Inc()
	if source == sourceLiveness {
		n.release(p, "")
	}
	select {
	case n.events <- ParentLost{Parent: id, Source: source}:
	default:
		n.log.Warn("parent-lost queue full", zap.String("parent", string(id)))
	}
	return true
}

const (
	sourceSignal   = "signal"
	sourceLiveness = "liveness"
)
