// Package discovery advertises gateways in etcd so that joiners can find
// a directory without a configured GATEWAY_ADDR.
package discovery

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/pkg/peer"
)

const gatewayPrefix = "/zephyrchat/gateways/"

var ErrNoGateway = errors.New("discovery: no gateway advertised")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func GatewayKey(id peer.ID) string { return gatewayPrefix + string(id) }

// idFromKey returns the gateway id encoded in key.
func idFromKey(key string) (peer.ID, bool) {
	id, ok := strings.CutPrefix(key, gatewayPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return peer.ID(id), true
}

// RegisterGateway puts the gateway's address under a lease and keeps the
// lease alive until the returned cancel is called.
func RegisterGateway(ctx context.Context, cli *clientv3.Client, gw peer.Record, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, GatewayKey(gw.ID), gw.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
		if kctx.Err() == nil {
			log.Warn("gateway lease keepalive ended", zap.String("id", string(gw.ID)))
		}
	}()
	return lease.ID, cancel, nil
}

// Gateways returns the advertised gateways keyed by id.
func Gateways(ctx context.Context, cli *clientv3.Client) (map[peer.ID]string, error) {
	resp, err := cli.Get(ctx, gatewayPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[peer.ID]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := idFromKey(string(kv.Key)); ok {
			out[id] = string(kv.Value)
		}
	}
	return out, nil
}

// PickGateway returns the address of the advertised gateway with the
// smallest id, so that every joiner picks the same one.
func PickGateway(gateways map[peer.ID]string) (string, error) {
	if len(gateways) == 0 {
		return "", ErrNoGateway
	}
	ids := make([]peer.ID, 0, len(gateways))
	for id := range gateways {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return gateways[ids[0]], nil
}

// WatchGateways calls fn with the full gateway set on every change until
// ctx is done.
func WatchGateways(ctx context.Context, cli *clientv3.Client, fn func(map[peer.ID]string)) {
	current, err := Gateways(ctx, cli)
	if err != nil {
		current = make(map[peer.ID]string)
	}
	fn(copyOf(current))

	wch := cli.Watch(ctx, gatewayPrefix, clientv3.WithPrefix())
	go func() {
		for resp := range wch {
			for _, ev := range resp.Events {
				id, ok := idFromKey(string(ev.Kv.Key))
				if !ok {
					continue
				}
				switch ev.Type {
				case clientv3.EventTypePut:
					current[id] = string(ev.Kv.Value)
				case clientv3.EventTypeDelete:
					delete(current, id)
				}
			}
			fn(copyOf(current))
		}
	}()
}

func copyOf(m map[peer.ID]string) map[peer.ID]string {
	out := make(map[peer.ID]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
