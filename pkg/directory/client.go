package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

// Client talks to a directory over a transport.
type Client struct {
	tr      transport.Transport
	addr    string
	self    peer.ID
	timeout time.Duration
}

func NewClient(tr transport.Transport, addr string, self peer.ID, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{tr: tr, addr: addr, self: self, timeout: timeout}
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Register(ctx context.Context, addr string, role peer.Role, id peer.ID) (peer.Record, error) {
	var resp wire.RegisterResponse
	err := c.call(ctx, wire.KindRegister, wire.RegisterRequest{Addr: addr, Role: role, ID: id}, wire.KindRegistered, &resp)
	return resp.Record, err
}

func (c *Client) ListPeers(ctx context.Context, caller peer.ID) ([]peer.Record, error) {
	var resp wire.PeersResponse
	err := c.call(ctx, wire.KindListPeers, wire.ListPeersRequest{CallerID: caller}, wire.KindPeers, &resp)
	return resp.Peers, err
}

func (c *Client) Deregister(ctx context.Context, id peer.ID) error {
	return c.call(ctx, wire.KindDeregister, wire.DeregisterRequest{ID: id}, wire.KindDeregistered, nil)
}

func (c *Client) call(ctx context.Context, kind wire.Kind, body any, want wire.Kind, out any) error {
	req, err := wire.New(kind, c.self, body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.tr.Request(ctx, c.addr, req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDirectoryUnreachable, kind, c.addr, err)
	}
	if reply.Kind == wire.KindError {
		return decodeError(reply)
	}
	if reply.Kind != want {
		return fmt.Errorf("directory: %s: unexpected reply %s", kind, reply.Kind)
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

func decodeError(reply wire.Envelope) error {
	var body wire.ErrorBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	switch body.Code {
	case wire.CodeDuplicateAddress:
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, body.Message)
	case wire.CodeInvalidAddress:
		return fmt.Errorf("%w: %s", ErrInvalidAddress, body.Message)
	case wire.CodeUnavailable, wire.CodeUnknownKind:
		return fmt.Errorf("%w: %s", ErrDirectoryUnreachable, body.Message)
	}
	return errors.New("directory: " + body.Error())
}
