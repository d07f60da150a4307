package node

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
	"github.com/ryandielhenn/zephyrchat/pkg/directory"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/probe"
	"github.com/ryandielhenn/zephyrchat/pkg/tracker"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

// Node is one overlay participant. It owns its attachment state and its
// dependency edges; other nodes only learn about them through messages.
type Node struct {
	cfg   Config
	self  peer.Record
	tr    transport.Transport
	dir   atomic.Pointer[directory.Client]
	clock clock.Clock
	log   *zap.Logger

	prober   *probe.Prober
	liveness *probe.ThresholdDetector
	strays   *probe.ThresholdDetector
	edges    *tracker.Tracker
	seen     *lru.Cache[string, struct{}]

	// incarnation distinguishes this process from earlier ones that ran
	// with the same id.
	incarnation string

	// mu guards the fields below and serializes every change to the parent
	// edge together with the state it implies.
	mu      sync.Mutex
	state   State
	epoch   uint64
	leaving bool
	subs    map[int]chan Transition
	nextSub int

	// abandoned holds ids of connect requests whose requester gave up.
	abandoned *lru.Cache[string, struct{}]

	// regMu orders registrations against the deregistration in Leave.
	regMu  sync.Mutex
	seq    atomic.Uint64
	events chan ParentLost

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a node on tr and mounts its protocol handlers on mux. The
// caller starts tr with mux (possibly shared with a directory service).
func New(tr transport.Transport, mux *transport.Mux, cfg Config, log *zap.Logger) (*Node, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	self := peer.Record{ID: cfg.ID, Addr: tr.Addr(), Role: cfg.Role}
	if self.ID == "" {
		self.ID = peer.IDFromAddr(tr.Addr())
	}
	if cfg.DirectoryAddr == "" {
		cfg.DirectoryAddr = tr.Addr()
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	abandoned, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}
	log = log.Named("node").With(zap.String("id", string(self.ID)))

	n := &Node{
		cfg:         cfg,
		self:        self,
		tr:          tr,
		clock:       cfg.Clock,
		log:         log,
		liveness:    probe.NewThresholdDetector(cfg.LivenessFailures),
		strays:      probe.NewThresholdDetector(cfg.LivenessFailures),
		edges:       tracker.New(self),
		seen:        seen,
		incarnation: uuid.NewString(),
		subs:        make(map[int]chan Transition),
		abandoned:   abandoned,
		events:      make(chan ParentLost, 16),
	}
	n.SetDirectory(cfg.DirectoryAddr)
	n.prober = probe.New(tr, self.ID, probe.WithLogger(log), probe.WithObserver(func(r probe.Result) {
		telemetry.ObserveProbe(r.Reachable(), r.Latency)
	}))

	mux.Handle(wire.KindProbe, probe.PongWithParent(self.ID, n.parentID))
	mux.HandleFunc(wire.KindConnect, n.handleConnect)
	mux.HandleFunc(wire.KindLineage, n.handleLineage)
	mux.HandleFunc(wire.KindDeparture, n.handleDeparture)
	mux.HandleFunc(wire.KindRelease, n.handleRelease)
	return n, nil
}

// Start launches the state-machine loop and liveness probing. The join
// begins immediately.
func (n *Node) Start() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.started = true

	n.wg.Add(1)
	go n.run(ctx)
	if n.cfg.LivenessInterval > 0 {
		n.wg.Add(1)
		go n.livenessLoop(ctx)
	}
	n.log.Info("node started", zap.String("addr", n.self.Addr), zap.String("role", string(n.self.Role)))
	return nil
}

// Close stops the node without notifying anyone, which is what a crash
// looks like to its neighbours. Use Leave for a graceful departure.
func (n *Node) Close() error {
	n.runMu.Lock()
	if !n.started {
		n.runMu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	n.cancel()
	n.runMu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
	n.mu.Unlock()
	n.log.Info("node stopped")
	return nil
}

func (n *Node) Self() peer.Record { return n.self }

// SetDirectory points later directory requests at addr. Used when the
// advertised gateway set changes.
func (n *Node) SetDirectory(addr string) {
	if cur := n.dir.Load(); cur != nil && cur.Addr() == addr {
		return
	}
	n.dir.Store(directory.NewClient(n.tr, addr, n.self.ID, n.cfg.RequestTimeout))
	n.log.Info("directory", zap.String("addr", addr))
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Parent returns the current parent, if any.
func (n *Node) Parent() (peer.Record, bool) { return n.edges.Parent() }

// parentID is the id reported in pongs: the parent while CONNECTED,
// otherwise empty.
func (n *Node) parentID() peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Connected {
		return ""
	}
	p, _ := n.edges.Parent()
	return p.ID
}

// Children returns the current children ordered by id.
func (n *Node) Children() []peer.Record { return n.edges.Children() }

// Snapshot exports the node's edges for forest checks.
func (n *Node) Snapshot() tracker.Snapshot { return n.edges.Snapshot() }

// Subscribe returns a channel of state transitions and a function that
// cancels the subscription. Slow subscribers miss transitions rather than
// block the node. The channel is closed when the node stops.
func (n *Node) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 16)
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			close(c)
			delete(n.subs, id)
		}
	}
}

// setStateLocked records a transition. Callers hold n.mu.
func (n *Node) setStateLocked(to State) {
	from := n.state
	n.epoch++
	if from == to {
		return
	}
	n.state = to
	telemetry.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()

	t := Transition{From: from, To: to, At: n.clock.Now()}
	if p, ok := n.edges.Parent(); ok {
		t.Parent = p.ID
	}
	n.log.Info("state", zap.Stringer("from", from), zap.Stringer("to", to), zap.String("parent", string(t.Parent)))
	for _, ch := range n.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (n *Node) setState(to State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setStateLocked(to)
}

// register (re-)registers with the directory unless the node is leaving.
func (n *Node) register(ctx context.Context) error {
	n.regMu.Lock()
	defer n.regMu.Unlock()
	if n.isLeaving() {
		return ErrLeaving
	}
	_, err := n.dir.Load().Register(ctx, n.self.Addr, n.self.Role, n.self.ID)
	return err
}

func (n *Node) isLeaving() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaving
}

func (n *Node) updateChildrenGauge() {
	telemetry.Children.Set(float64(len(n.edges.Children())))
}
