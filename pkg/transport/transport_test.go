package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

func echoMux(t *testing.T, from string) (*Mux, chan wire.Envelope) {
	t.Helper()
	oneWay := make(chan wire.Envelope, 4)
	mux := NewMux()
	mux.HandleFunc(wire.KindProbe, func(_ context.Context, req wire.Envelope) *wire.Envelope {
		var p wire.ProbeRequest
		if err := req.Decode(&p); err != nil {
			r := wire.ErrorReply(req, "", wire.CodeBadRequest, err.Error())
			return &r
		}
		reply, err := wire.Reply(req, wire.KindPong, "srv", wire.PongResponse{Nonce: p.Nonce})
		require.NoError(t, err)
		return &reply
	})
	mux.HandleFunc(wire.KindDeparture, func(_ context.Context, req wire.Envelope) *wire.Envelope {
		oneWay <- req
		return nil
	})
	return mux, oneWay
}

func probe(t *testing.T, nonce uint64) wire.Envelope {
	t.Helper()
	env, err := wire.New(wire.KindProbe, "cli", wire.ProbeRequest{Nonce: nonce})
	require.NoError(t, err)
	return env
}

func TestMuxUnknownKind(t *testing.T) {
	mux := NewMux()
	req := probe(t, 1)
	reply := mux.ServeWire(context.Background(), req)
	require.NotNil(t, reply)
	assert.Equal(t, wire.KindError, reply.Kind)
	assert.Equal(t, req.ID, reply.ID)

	dep, err := wire.New(wire.KindDeparture, "x", wire.DepartureSignal{NodeID: "x", Seq: 1})
	require.NoError(t, err)
	assert.Nil(t, mux.ServeWire(context.Background(), dep), "one-way kinds never get an error reply")

	mux.HandleFunc(wire.KindProbe, func(context.Context, wire.Envelope) *wire.Envelope { return nil })
	mux.Remove(wire.KindProbe)
	mux.Remove(wire.KindProbe)
	assert.Equal(t, wire.KindError, mux.ServeWire(context.Background(), req).Kind)
}

func TestTCPRequestAndSend(t *testing.T) {
	srv, err := ListenTCP("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	mux, oneWay := echoMux(t, srv.Addr())
	require.NoError(t, srv.Start(mux))

	cli, err := ListenTCP("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := probe(t, 42)
	reply, err := cli.Request(ctx, srv.Addr(), req)
	require.NoError(t, err)
	require.Equal(t, wire.KindPong, reply.Kind)
	var pong wire.PongResponse
	require.NoError(t, reply.Decode(&pong))
	assert.Equal(t, uint64(42), pong.Nonce)

	dep, err := wire.New(wire.KindDeparture, "cli", wire.DepartureSignal{NodeID: "cli", Seq: 7})
	require.NoError(t, err)
	require.NoError(t, cli.Send(ctx, srv.Addr(), dep))
	select {
	case got := <-oneWay:
		assert.Equal(t, dep.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("departure not delivered")
	}
}

func TestTCPUnreachableAndTimeout(t *testing.T) {
	cli, err := ListenTCP("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	// Grab a port and release it so nothing is listening there.
	dead, err := ListenTCP("127.0.0.1:0", nil)
	require.NoError(t, err)
	deadAddr := dead.Addr()
	require.NoError(t, dead.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = cli.Request(ctx, deadAddr, probe(t, 1))
	assert.True(t, errors.Is(err, ErrUnreachable), "got %v", err)

	slow, err := ListenTCP("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = slow.Close() })
	require.NoError(t, slow.Start(HandlerFunc(func(ctx context.Context, req wire.Envelope) *wire.Envelope {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil
	})))

	short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = cli.Request(short, slow.Addr(), probe(t, 2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestTCPClosed(t *testing.T) {
	tr, err := ListenTCP("127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err = tr.Request(context.Background(), "127.0.0.1:1", probe(t, 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Start(NewMux()), ErrClosed)
}
