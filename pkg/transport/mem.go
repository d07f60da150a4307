package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

var ErrAddrInUse = errors.New("transport: address in use")

type link struct{ a, b string }

func linkOf(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

// Network is an in-process network of Mem endpoints. Each link has a
// symmetric round-trip latency; half of it is spent on the way out and half
// on the way back. A partitioned link swallows requests until the caller's
// context expires, which is how an unresponsive peer looks over TCP.
type Network struct {
	mu         sync.RWMutex
	endpoints  map[string]*Mem
	latency    map[link]time.Duration
	defaultRTT time.Duration
	partitions map[link]bool
}

func NewNetwork() *Network {
	return &Network{
		endpoints:  make(map[string]*Mem),
		latency:    make(map[link]time.Duration),
		partitions: make(map[link]bool),
	}
}

// Listen creates an endpoint at addr.
func (n *Network) Listen(addr string) (*Mem, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mem{net: n, addr: addr, ctx: ctx, cancel: cancel}
	n.endpoints[addr] = m
	return m, nil
}

// SetLatency sets the round-trip time between a and b.
func (n *Network) SetLatency(a, b string, rtt time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency[linkOf(a, b)] = rtt
}

// SetDefaultLatency applies to links without an explicit latency.
func (n *Network) SetDefaultLatency(rtt time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.defaultRTT = rtt
}

// Partition makes a and b unable to reach each other.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[linkOf(a, b)] = true
}

func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, linkOf(a, b))
}

// Isolate partitions addr from every endpoint currently listening, which
// models a host that stops answering without closing its sockets.
func (n *Network) Isolate(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.endpoints {
		if other != addr {
			n.partitions[linkOf(addr, other)] = true
		}
	}
}

func (n *Network) route(from, to string) (dst *Mem, rtt time.Duration, partitioned bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l := linkOf(from, to)
	if n.partitions[l] {
		return nil, 0, true
	}
	rtt, ok := n.latency[l]
	if !ok {
		rtt = n.defaultRTT
	}
	return n.endpoints[to], rtt, false
}

func (n *Network) remove(addr string, m *Mem) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[addr] == m {
		delete(n.endpoints, addr)
	}
}

// Mem is one endpoint of a Network.
type Mem struct {
	net  *Network
	addr string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

var _ Transport = (*Mem)(nil)

func (m *Mem) Addr() string { return m.addr }

func (m *Mem) Start(h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handler = h
	return nil
}

func (m *Mem) serving() (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler, !m.closed && m.handler != nil
}

func (m *Mem) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Mem) Request(ctx context.Context, addr string, req wire.Envelope) (wire.Envelope, error) {
	if m.isClosed() {
		return wire.Envelope{}, ErrClosed
	}
	dst, rtt, partitioned := m.net.route(m.addr, addr)
	if partitioned {
		<-ctx.Done()
		return wire.Envelope{}, ctx.Err()
	}
	if dst == nil {
		return wire.Envelope{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	if err := sleep(ctx, rtt/2); err != nil {
		return wire.Envelope{}, err
	}
	h, ok := dst.serving()
	if !ok {
		return wire.Envelope{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	done := make(chan *wire.Envelope, 1)
	go func() {
		hctx, cancel := context.WithTimeout(dst.ctx, serveTimeout)
		defer cancel()
		done <- h.ServeWire(hctx, req)
	}()

	var reply *wire.Envelope
	select {
	case reply = <-done:
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
	if reply == nil {
		return wire.Envelope{}, fmt.Errorf("%w: %s", ErrNoReply, addr)
	}
	if err := sleep(ctx, rtt-rtt/2); err != nil {
		return wire.Envelope{}, err
	}
	return checkReply(req, *reply)
}

// Send delivers msg asynchronously after half the link latency. A
// partitioned or missing destination fails immediately, as a refused dial
// would.
func (m *Mem) Send(_ context.Context, addr string, msg wire.Envelope) error {
	if m.isClosed() {
		return ErrClosed
	}
	dst, rtt, partitioned := m.net.route(m.addr, addr)
	if partitioned || dst == nil {
		return fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	go func() {
		if sleep(dst.ctx, rtt/2) != nil {
			return
		}
		h, ok := dst.serving()
		if !ok {
			return
		}
		hctx, cancel := context.WithTimeout(dst.ctx, serveTimeout)
		defer cancel()
		h.ServeWire(hctx, msg)
	}()
	return nil
}

// Close detaches the endpoint from the network. Peers see it as
// unreachable from then on.
func (m *Mem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.net.remove(m.addr, m)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
