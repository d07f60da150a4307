// Package probe measures round-trip latency to candidate peers and tracks
// consecutive probe failures for liveness decisions.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

var ErrNonceMismatch = errors.New("probe: pong nonce mismatch")

// Result is one candidate's outcome. Err is set when the candidate was
// unreachable; Latency and Parent are meaningful only when Err is nil.
type Result struct {
	Record  peer.Record
	Latency time.Duration
	Parent  peer.ID
	Err     error
}

func (r Result) Reachable() bool { return r.Err == nil }

// Results is a node's PeerView for one probing round.
type Results map[peer.ID]Result

// Reachable returns how many candidates answered.
func (rs Results) Reachable() int {
	n := 0
	for _, r := range rs {
		if r.Reachable() {
			n++
		}
	}
	return n
}

// Observer is notified of each probe outcome; telemetry hooks in here.
type Observer func(r Result)

type Prober struct {
	tr      transport.Transport
	self    peer.ID
	log     *zap.Logger
	observe Observer
}

type Option func(*Prober)

func WithLogger(l *zap.Logger) Option { return func(p *Prober) { p.log = l } }

func WithObserver(o Observer) Option { return func(p *Prober) { p.observe = o } }

func New(tr transport.Transport, self peer.ID, opts ...Option) *Prober {
	p := &Prober{tr: tr, self: self, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.Named("probe")
	return p
}

// Probe pings every candidate concurrently, each bounded by timeout. A
// failing candidate never affects the others. Candidates with duplicate ids
// are probed once.
func (p *Prober) Probe(ctx context.Context, candidates []peer.Record, timeout time.Duration) Results {
	out := make([]Result, len(candidates))
	var g errgroup.Group
	for i, c := range candidates {
		g.Go(func() error {
			out[i] = p.probeOne(ctx, c, timeout)
			return nil
		})
	}
	_ = g.Wait()

	results := make(Results, len(candidates))
	for _, r := range out {
		if _, dup := results[r.Record.ID]; dup {
			continue
		}
		results[r.Record.ID] = r
		if p.observe != nil {
			p.observe(r)
		}
	}
	return results
}

func (p *Prober) probeOne(ctx context.Context, c peer.Record, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nonce := rand.Uint64()
	req, err := wire.New(wire.KindProbe, p.self, wire.ProbeRequest{Nonce: nonce})
	if err != nil {
		return Result{Record: c, Err: err}
	}
	start := time.Now()
	reply, err := p.tr.Request(ctx, c.Addr, req)
	rtt := time.Since(start)
	if err != nil {
		p.log.Debug("unreachable", zap.Stringer("peer", c), zap.Error(err))
		return Result{Record: c, Err: err}
	}
	if reply.Kind != wire.KindPong {
		return Result{Record: c, Err: fmt.Errorf("probe: unexpected reply %s", reply.Kind)}
	}
	var pong wire.PongResponse
	if err := reply.Decode(&pong); err != nil {
		return Result{Record: c, Err: err}
	}
	if pong.Nonce != nonce {
		return Result{Record: c, Err: ErrNonceMismatch}
	}
	p.log.Debug("pong", zap.Stringer("peer", c), zap.Duration("rtt", rtt))
	return Result{Record: c, Latency: rtt, Parent: pong.Parent}
}

// Pong answers a probe request. Both nodes and the directory mount it.
func Pong(self peer.ID) transport.HandlerFunc { return PongWithParent(self, nil) }

// PongWithParent answers probes and reports parent() in the pong, so a
// prober can tell whether it is still the responder's parent.
func PongWithParent(self peer.ID, parent func() peer.ID) transport.HandlerFunc {
	return func(_ context.Context, req wire.Envelope) *wire.Envelope {
		var p wire.ProbeRequest
		if err := req.Decode(&p); err != nil {
			r := wire.ErrorReply(req, self, wire.CodeBadRequest, err.Error())
			return &r
		}
		pong := wire.PongResponse{Nonce: p.Nonce}
		if parent != nil {
			pong.Parent = parent()
		}
		reply, err := wire.Reply(req, wire.KindPong, self, pong)
		if err != nil {
			r := wire.ErrorReply(req, self, wire.CodeBadRequest, err.Error())
			return &r
		}
		return &reply
	}
}
