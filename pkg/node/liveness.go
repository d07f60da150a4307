package node

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

func (n *Node) livenessLoop(ctx context.Context) {
	defer n.wg.Done()
	t := n.clock.Ticker(n.cfg.LivenessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.checkLiveness(ctx)
			n.refreshRegistration(ctx)
		}
	}
}

// checkLiveness probes the parent and every child once. A parent that
// misses LivenessFailures rounds in a row is treated as lost; a child that
// does is dropped from the tracker. So is a child that answers but names
// another parent for as many rounds.
func (n *Node) checkLiveness(ctx context.Context) {
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()

	parent, hasParent := n.edges.Parent()
	targets := n.edges.Children()
	if hasParent && state == Connected {
		targets = append(targets, parent)
	}
	if len(targets) == 0 {
		return
	}

	results := n.prober.Probe(ctx, targets, n.cfg.ProbeTimeout)
	if ctx.Err() != nil {
		return
	}
	now := n.clock.Now()
	for id, r := range results {
		if r.Reachable() {
			n.liveness.Observe(id, now)
			if hasParent && id == parent.ID {
				continue
			}
			if r.Parent == n.self.ID {
				n.strays.Observe(id, now)
			} else if n.strays.Miss(id, now) {
				n.pruneChild(id, "names parent "+strconv.Quote(string(r.Parent)))
			}
			continue
		}
		if !n.liveness.Miss(id, now) {
			continue
		}
		if hasParent && id == parent.ID {
			n.log.Warn("parent unresponsive", zap.Stringer("parent", parent), zap.Error(r.Err))
			n.parentLost(id, sourceLiveness)
			continue
		}
		n.pruneChild(id, "unresponsive")
	}
}

// refreshRegistration registers an attached node again, so a record the
// directory's health sweep removed comes back once the directory can reach
// the node. Registration is idempotent.
func (n *Node) refreshRegistration(ctx context.Context) {
	if !n.State().rooted() {
		return
	}
	err := n.register(ctx)
	if err != nil && !errors.Is(err, ErrLeaving) && ctx.Err() == nil {
		n.log.Debug("registration refresh failed", zap.Error(err))
	}
}

func (n *Node) pruneChild(id peer.ID, reason string) {
	n.liveness.Remove(id)
	n.strays.Remove(id)
	if n.edges.RemoveChild(id) {
		n.updateChildrenGauge()
		n.log.Info("child dropped", zap.String("child", string(id)), zap.String("reason", reason))
	}
}
