// Package transport moves wire envelopes between nodes. Transport is the
// abstraction the directory and node protocols are written against; TCP is
// the production implementation and Network provides in-process endpoints
// with controllable latency and partitions for tests and simulation.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

var (
	// ErrUnreachable is returned when the destination cannot be dialed.
	ErrUnreachable = errors.New("transport: destination unreachable")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrNoReply is returned when a request was delivered but produced no
	// response.
	ErrNoReply = errors.New("transport: no reply")
	// ErrMismatchedReply is returned when the reply id differs from the
	// request id.
	ErrMismatchedReply = errors.New("transport: mismatched reply")
)

// Handler serves one inbound envelope. A nil result means no reply, which is
// the normal outcome for fire-and-forget kinds.
type Handler interface {
	ServeWire(ctx context.Context, req wire.Envelope) *wire.Envelope
}

type HandlerFunc func(ctx context.Context, req wire.Envelope) *wire.Envelope

func (f HandlerFunc) ServeWire(ctx context.Context, req wire.Envelope) *wire.Envelope {
	return f(ctx, req)
}

type Transport interface {
	// Addr is the address peers use to reach this transport.
	Addr() string
	// Start begins serving inbound envelopes with h.
	Start(h Handler) error
	// Request sends req to addr and waits for the correlated reply.
	Request(ctx context.Context, addr string, req wire.Envelope) (wire.Envelope, error)
	// Send delivers msg to addr without waiting for any reply.
	Send(ctx context.Context, addr string, msg wire.Envelope) error
	Close() error
}

// Mux dispatches envelopes by kind so that several services (a node and
// the directory it hosts) can share one transport.
type Mux struct {
	mu       sync.RWMutex
	handlers map[wire.Kind]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[wire.Kind]Handler)}
}

// Handle registers h for kind, replacing any previous handler.
func (m *Mux) Handle(kind wire.Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *Mux) HandleFunc(kind wire.Kind, f func(ctx context.Context, req wire.Envelope) *wire.Envelope) {
	m.Handle(kind, HandlerFunc(f))
}

// Remove drops the handler for kind; removing an absent kind is a no-op.
func (m *Mux) Remove(kind wire.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, kind)
}

func (m *Mux) ServeWire(ctx context.Context, req wire.Envelope) *wire.Envelope {
	m.mu.RLock()
	h, ok := m.handlers[req.Kind]
	m.mu.RUnlock()
	if ok {
		return h.ServeWire(ctx, req)
	}
	if isOneWay(req.Kind) {
		return nil
	}
	reply := wire.ErrorReply(req, "", wire.CodeUnknownKind, string(req.Kind))
	return &reply
}

func isOneWay(k wire.Kind) bool {
	return k == wire.KindDeparture || k == wire.KindRelease
}

func checkReply(req, reply wire.Envelope) (wire.Envelope, error) {
	if reply.ID != req.ID {
		return wire.Envelope{}, ErrMismatchedReply
	}
	return reply, nil
}
