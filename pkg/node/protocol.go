package node

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

// maxLineageHops bounds the ancestor walk; a deeper chain is treated as
// not rooted.
const maxLineageHops = 64

// walkShare is the part of a requester's connect budget the acceptor may
// spend on its lineage walk. The rest is left for the accept to travel back.
const walkShare = 0.8

func (n *Node) refuse(req wire.Envelope, reason string) *wire.Envelope {
	reply, err := wire.Reply(req, wire.KindRefuse, n.self.ID, wire.RefuseResponse{Reason: reason})
	if err != nil {
		r := wire.ErrorReply(req, n.self.ID, wire.CodeBadRequest, err.Error())
		return &r
	}
	return &reply
}

// handleConnect decides whether to adopt the requesting node. It accepts
// only while attached to a tree whose root is a standalone root, and only
// if the requester is not one of its own ancestors. A request the
// requester has already abandoned is never turned into a child edge.
func (n *Node) handleConnect(ctx context.Context, req wire.Envelope) *wire.Envelope {
	var body wire.ConnectRequest
	if err := req.Decode(&body); err != nil {
		r := wire.ErrorReply(req, n.self.ID, wire.CodeBadRequest, err.Error())
		return &r
	}
	child := body.Child
	if child.ID == n.self.ID {
		return n.refuse(req, "self")
	}

	n.mu.Lock()
	state, epoch, leaving := n.state, n.epoch, n.leaving
	n.mu.Unlock()
	if leaving {
		return n.refuse(req, "leaving")
	}
	if !state.rooted() {
		return n.refuse(req, "state "+state.String())
	}

	walkCtx := ctx
	if body.Budget > 0 {
		var cancel context.CancelFunc
		walkCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(body.Budget)*walkShare))
		defer cancel()
	}
	path, rooted := n.lineage(walkCtx, 0)
	if !rooted {
		return n.refuse(req, "not rooted")
	}
	if slices.Contains(path, child.ID) {
		return n.refuse(req, "ancestor")
	}

	n.mu.Lock()
	if n.epoch != epoch || n.leaving {
		n.mu.Unlock()
		return n.refuse(req, "state changed")
	}
	if n.abandoned.Contains(req.ID) {
		n.mu.Unlock()
		n.log.Debug("connect abandoned by requester", zap.Stringer("child", child))
		return n.refuse(req, "abandoned")
	}
	err := n.edges.AddChild(child)
	n.mu.Unlock()
	if err != nil {
		return n.refuse(req, err.Error())
	}
	n.liveness.Remove(child.ID)
	n.strays.Remove(child.ID)
	n.updateChildrenGauge()
	n.log.Info("child attached", zap.Stringer("child", child))

	reply, err := wire.Reply(req, wire.KindAccept, n.self.ID, wire.AcceptResponse{Path: path})
	if err != nil {
		n.edges.RemoveChild(child.ID)
		r := wire.ErrorReply(req, n.self.ID, wire.CodeBadRequest, err.Error())
		return &r
	}
	return &reply
}

// lineage returns the ids from the root down to this node and whether the
// chain ends at a standalone root.
func (n *Node) lineage(ctx context.Context, hops int) ([]peer.ID, bool) {
	n.mu.Lock()
	state, leaving := n.state, n.leaving
	parent, hasParent := n.edges.Parent()
	n.mu.Unlock()

	if leaving {
		return nil, false
	}
	switch state {
	case StandaloneRoot:
		return []peer.ID{n.self.ID}, true
	case Connected:
	default:
		return nil, false
	}
	if !hasParent || hops >= maxLineageHops {
		return nil, false
	}

	path, rooted, err := n.queryLineage(ctx, parent, hops+1)
	if err != nil || !rooted {
		if err != nil {
			n.log.Debug("lineage query failed", zap.Stringer("parent", parent), zap.Error(err))
		}
		return nil, false
	}
	return append(path, n.self.ID), true
}

// queryLineage asks p for its lineage.
func (n *Node) queryLineage(ctx context.Context, p peer.Record, hops int) ([]peer.ID, bool, error) {
	req, err := wire.New(wire.KindLineage, n.self.ID, wire.LineageRequest{Hops: hops})
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
	defer cancel()
	reply, err := n.tr.Request(ctx, p.Addr, req)
	if err != nil {
		return nil, false, err
	}
	if reply.Kind != wire.KindLineageReply {
		return nil, false, fmt.Errorf("lineage: unexpected reply %s", reply.Kind)
	}
	var resp wire.LineageResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, false, err
	}
	return resp.Path, resp.Rooted, nil
}

func (n *Node) handleLineage(ctx context.Context, req wire.Envelope) *wire.Envelope {
	var body wire.LineageRequest
	if err := req.Decode(&body); err != nil {
		r := wire.ErrorReply(req, n.self.ID, wire.CodeBadRequest, err.Error())
		return &r
	}
	path, rooted := n.lineage(ctx, body.Hops)
	reply, err := wire.Reply(req, wire.KindLineageReply, n.self.ID, wire.LineageResponse{Path: path, Rooted: rooted})
	if err != nil {
		r := wire.ErrorReply(req, n.self.ID, wire.CodeBadRequest, err.Error())
		return &r
	}
	return &reply
}

// handleDeparture reacts to a departing parent. Repeated signals are
// dropped by key; a signal from a node that is not the current parent is
// ignored by parentLost.
func (n *Node) handleDeparture(_ context.Context, req wire.Envelope) *wire.Envelope {
	var sig wire.DepartureSignal
	if err := req.Decode(&sig); err != nil {
		n.log.Debug("bad departure signal", zap.Error(err))
		return nil
	}
	if found, _ := n.seen.ContainsOrAdd(sig.Key(), struct{}{}); found {
		n.log.Debug("duplicate departure signal", zap.String("key", sig.Key()))
		return nil
	}
	n.parentLost(sig.NodeID, sourceSignal)
	return nil
}

// handleRelease drops a child that has moved away or is leaving. A release
// naming a connect request also blocks that request if it is still being
// decided.
func (n *Node) handleRelease(_ context.Context, req wire.Envelope) *wire.Envelope {
	var body wire.ReleaseRequest
	if err := req.Decode(&body); err != nil {
		return nil
	}
	n.mu.Lock()
	if body.ConnectID != "" {
		n.abandoned.Add(body.ConnectID, struct{}{})
	}
	removed := n.edges.RemoveChild(body.ChildID)
	n.mu.Unlock()
	if removed {
		n.liveness.Remove(body.ChildID)
		n.strays.Remove(body.ChildID)
		n.updateChildrenGauge()
		n.log.Info("child released", zap.String("child", string(body.ChildID)))
	}
	return nil
}
