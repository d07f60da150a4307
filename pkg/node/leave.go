package node

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

// Leave departs gracefully: every child gets a departure signal, the node
// deregisters from the directory and releases its parent, then stops.
// Signals are not acknowledged. Calling Leave again is a no-op.
func (n *Node) Leave(ctx context.Context) error {
	n.mu.Lock()
	if n.leaving {
		n.mu.Unlock()
		return nil
	}
	n.leaving = true
	n.epoch++
	n.mu.Unlock()

	children := n.edges.Children()
	sig := wire.DepartureSignal{
		NodeID:      n.self.ID,
		Incarnation: n.incarnation,
		Seq:         n.seq.Add(1),
		Timestamp:   n.clock.Now(),
	}
	msg, err := wire.New(wire.KindDeparture, n.self.ID, sig)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			if err := n.tr.Send(ctx, c.Addr, msg); err != nil {
				n.log.Debug("departure not delivered", zap.Stringer("child", c), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	n.regMu.Lock()
	if err := n.dir.Load().Deregister(ctx, n.self.ID); err != nil {
		errs = multierr.Append(errs, err)
	}
	n.regMu.Unlock()

	n.mu.Lock()
	parent, hadParent := n.edges.ClearParent()
	for _, c := range children {
		n.edges.RemoveChild(c.ID)
	}
	n.setStateLocked(Unattached)
	n.mu.Unlock()
	if hadParent {
		n.release(parent, "")
	}
	n.updateChildrenGauge()

	if err := n.Close(); err != nil && !errors.Is(err, ErrNotStarted) {
		errs = multierr.Append(errs, err)
	}
	n.log.Info("left", zap.Int("children", len(children)), zap.Bool("had_parent", hadParent))
	return errs
}
