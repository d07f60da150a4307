package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrchat/discovery"
	"github.com/ryandielhenn/zephyrchat/internal/config"
	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
	"github.com/ryandielhenn/zephyrchat/pkg/directory"
	"github.com/ryandielhenn/zephyrchat/pkg/node"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

const gatewayLeaseTTL = 10 // seconds

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	telemetry.SetBuildInfo(version, gitSHA)

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newEtcd,
			newTransport,
			transport.NewMux,
			newDirectory,
			newNode,
			newHTTPServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(func(*node.Node, *http.Server) {}),
	)
	app.Run()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDev {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newEtcd returns nil when no endpoints are configured.
func newEtcd(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*clientv3.Client, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return nil, nil
	}
	log.Info("creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(cli.Close))
	return cli, nil
}

func newTransport(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*transport.TCP, error) {
	tr, err := transport.ListenTCP(cfg.SelfAddr, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(tr.Close))
	return tr, nil
}

// newDirectory hosts the directory on a gateway's transport. Other roles
// get nil.
func newDirectory(lc fx.Lifecycle, cfg config.Config, tr *transport.TCP, mux *transport.Mux, log *zap.Logger) *directory.Service {
	if cfg.Role != peer.RoleGateway {
		return nil
	}
	svc := directory.NewService(directory.NewRegistry(), tr, peer.IDFromAddr(tr.Addr()), directory.ServiceConfig{
		HealthInterval: cfg.HealthInterval,
		HealthFailures: cfg.HealthFailures,
		ProbeTimeout:   cfg.ProbeTimeout,
	}, log)
	svc.Mount(mux)
	lc.Append(fx.Hook{
		OnStart: svc.Start,
		OnStop:  func(context.Context) error { return svc.Stop() },
	})
	return svc
}

type nodeParams struct {
	fx.In

	LC   fx.Lifecycle
	Cfg  config.Config
	Tr   *transport.TCP
	Mux  *transport.Mux
	Log  *zap.Logger
	Etcd *clientv3.Client   `optional:"true"`
	// Dir orders the directory start hook before the node registers.
	Dir  *directory.Service `optional:"true"`
}

func newNode(p nodeParams) (*node.Node, error) {
	dirAddr, err := directoryAddr(p)
	if err != nil {
		return nil, err
	}
	n, err := node.New(p.Tr, p.Mux, p.Cfg.NodeConfig(dirAddr), p.Log)
	if err != nil {
		return nil, err
	}

	var stopKeepAlive context.CancelFunc
	watchCtx, stopWatch := context.WithCancel(context.Background())
	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Tr.Start(p.Mux); err != nil {
				return err
			}
			if p.Etcd != nil && p.Cfg.Role == peer.RoleGateway {
				_, cancel, err := discovery.RegisterGateway(ctx, p.Etcd, n.Self(), gatewayLeaseTTL, p.Log)
				if err != nil {
					return fmt.Errorf("advertise gateway: %w", err)
				}
				stopKeepAlive = cancel
			}
			if p.Etcd != nil && p.Cfg.Role != peer.RoleGateway {
				discovery.WatchGateways(watchCtx, p.Etcd, func(gws map[peer.ID]string) {
					if addr, err := discovery.PickGateway(gws); err == nil {
						n.SetDirectory(addr)
					}
				})
			}
			return n.Start()
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			err := n.Leave(ctx)
			if stopKeepAlive != nil {
				stopKeepAlive()
				if p.Etcd != nil {
					_, derr := p.Etcd.Delete(ctx, discovery.GatewayKey(n.Self().ID))
					err = multierr.Append(err, derr)
				}
			}
			return err
		},
	})
	return n, nil
}

func directoryAddr(p nodeParams) (string, error) {
	switch {
	case p.Cfg.Role == peer.RoleGateway:
		return p.Tr.Addr(), nil
	case p.Cfg.GatewayAddr != "":
		return p.Cfg.GatewayAddr, nil
	case p.Etcd != nil:
		ctx, cancel := context.WithTimeout(context.Background(), p.Cfg.RequestTimeout)
		defer cancel()
		gws, err := discovery.Gateways(ctx, p.Etcd)
		if err != nil {
			return "", err
		}
		return discovery.PickGateway(gws)
	}
	return "", errors.New("no gateway address")
}

func newHTTPServer(lc fx.Lifecycle, cfg config.Config, n *node.Node, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/ws/state", n.StateStream)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("status server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("status server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
