package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

// serveTimeout bounds how long an inbound connection may take to deliver
// its request and receive the reply.
const serveTimeout = 10 * time.Second

// TCP carries one envelope exchange per connection: the client dials,
// writes a frame and, for requests, reads one reply frame.
type TCP struct {
	ln     net.Listener
	log    *zap.Logger
	dialer net.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

var _ Transport = (*TCP)(nil)

// ListenTCP binds addr. Use ":0" or "127.0.0.1:0" for an ephemeral port.
func ListenTCP(addr string, log *zap.Logger) (*TCP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		ln:     ln,
		log:    log.Named("tcp"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *TCP) Addr() string { return t.ln.Addr().String() }

func (t *TCP) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return errors.New("transport: already started")
	}
	t.started = true
	t.wg.Add(1)
	go t.acceptLoop(h)
	return nil
}

func (t *TCP) acceptLoop(h Handler) {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConn(conn, h)
		}()
	}
}

func (t *TCP) serveConn(conn net.Conn, h Handler) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(serveTimeout))

	req, err := wire.ReadFrame(conn)
	if err != nil {
		t.log.Debug("read request", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, serveTimeout)
	defer cancel()

	reply := h.ServeWire(ctx, req)
	if reply == nil {
		return
	}
	if err := wire.WriteFrame(conn, *reply); err != nil {
		t.log.Debug("write reply", zap.String("kind", string(reply.Kind)), zap.Error(err))
	}
}

func (t *TCP) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return conn, nil
}

func (t *TCP) Request(ctx context.Context, addr string, req wire.Envelope) (wire.Envelope, error) {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return wire.Envelope{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := wire.WriteFrame(conn, req); err != nil {
		return wire.Envelope{}, t.ioErr(ctx, addr, err)
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Envelope{}, t.ioErr(ctx, addr, err)
	}
	return checkReply(req, reply)
}

func (t *TCP) Send(ctx context.Context, addr string, msg wire.Envelope) error {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := wire.WriteFrame(conn, msg); err != nil {
		return t.ioErr(ctx, addr, err)
	}
	return nil
}

// ioErr prefers the context error so callers can tell a timeout from a
// broken connection.
func (t *TCP) ioErr(ctx context.Context, addr string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %s: %v", ErrNoReply, addr, err)
}

func (t *TCP) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	err := t.ln.Close()
	t.wg.Wait()
	return err
}
