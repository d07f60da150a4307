package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrchat/internal/telemetry"
	"github.com/ryandielhenn/zephyrchat/pkg/peer"
	"github.com/ryandielhenn/zephyrchat/pkg/probe"
	"github.com/ryandielhenn/zephyrchat/pkg/transport"
	"github.com/ryandielhenn/zephyrchat/pkg/wire"
)

type ServiceConfig struct {
	// HealthInterval enables the health sweep when positive.
	HealthInterval time.Duration
	// HealthFailures is the number of consecutive failed sweeps after which
	// a record is removed.
	HealthFailures int
	// ProbeTimeout bounds each health probe.
	ProbeTimeout time.Duration
	// Clock drives the sweep; nil means the wall clock.
	Clock clock.Clock
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HealthInterval: 10 * time.Second,
		HealthFailures: 3,
		ProbeTimeout:   time.Second,
	}
}

// Service exposes a Registry over a transport. It has an explicit
// lifecycle: handlers answer "unavailable" unless the service is started.
type Service struct {
	reg  *Registry
	tr   transport.Transport
	self peer.ID
	cfg  ServiceConfig
	log  *zap.Logger

	prober   *probe.Prober
	detector *probe.ThresholdDetector

	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds a service for reg. tr is used for health probes; self
// is the id stamped on replies and skipped by the sweep.
func NewService(reg *Registry, tr transport.Transport, self peer.ID, cfg ServiceConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	log = log.Named("directory")
	return &Service{
		reg:      reg,
		tr:       tr,
		self:     self,
		cfg:      cfg,
		log:      log,
		prober:   probe.New(tr, self, probe.WithLogger(log)),
		detector: probe.NewThresholdDetector(cfg.HealthFailures),
	}
}

func (s *Service) Registry() *Registry { return s.reg }

// Mount registers the directory's handlers on mux.
func (s *Service) Mount(mux *transport.Mux) {
	mux.HandleFunc(wire.KindRegister, s.handleRegister)
	mux.HandleFunc(wire.KindListPeers, s.handleListPeers)
	mux.HandleFunc(wire.KindDeregister, s.handleDeregister)
}

func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	// The sweep outlives the start context.
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	if s.cfg.HealthInterval > 0 {
		t := s.cfg.Clock.Ticker(s.cfg.HealthInterval)
		s.wg.Add(1)
		go s.sweepLoop(ctx, t)
	}
	s.log.Info("directory started", zap.Int("members", s.reg.Len()))
	return nil
}

func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("directory stopped")
	return nil
}

func (s *Service) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Service) sweepLoop(ctx context.Context, t *clock.Ticker) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep probes every registered node once and removes those that have
// failed HealthFailures consecutive sweeps.
func (s *Service) Sweep(ctx context.Context) {
	members := s.reg.ListPeers(s.self)
	if len(members) == 0 {
		return
	}
	results := s.prober.Probe(ctx, members, s.cfg.ProbeTimeout)
	now := s.cfg.Clock.Now()
	for id, r := range results {
		if r.Reachable() {
			s.detector.Observe(id, now)
			continue
		}
		if !s.detector.Miss(id, now) {
			continue
		}
		if s.reg.Deregister(id) {
			s.log.Info("removed unresponsive member", zap.Stringer("peer", r.Record), zap.Error(r.Err))
			telemetry.DirectoryEvictions.Inc()
		}
		s.detector.Remove(id)
	}
	telemetry.DirectoryMembers.Set(float64(s.reg.Len()))
}

func (s *Service) unavailable(req wire.Envelope) *wire.Envelope {
	r := wire.ErrorReply(req, s.self, wire.CodeUnavailable, "directory not started")
	return &r
}

func (s *Service) fail(req wire.Envelope, op string, code string, err error) *wire.Envelope {
	telemetry.DirectoryRequests.WithLabelValues(op, code).Inc()
	r := wire.ErrorReply(req, s.self, code, err.Error())
	return &r
}

func (s *Service) ok(req wire.Envelope, op string, kind wire.Kind, body any) *wire.Envelope {
	reply, err := wire.Reply(req, kind, s.self, body)
	if err != nil {
		return s.fail(req, op, wire.CodeBadRequest, err)
	}
	telemetry.DirectoryRequests.WithLabelValues(op, "ok").Inc()
	return &reply
}

func (s *Service) handleRegister(_ context.Context, req wire.Envelope) *wire.Envelope {
	if !s.running() {
		return s.unavailable(req)
	}
	var body wire.RegisterRequest
	if err := req.Decode(&body); err != nil {
		return s.fail(req, "register", wire.CodeBadRequest, err)
	}
	rec, err := s.reg.Register(body.Addr, body.Role, body.ID)
	switch {
	case errors.Is(err, ErrDuplicateAddress):
		s.log.Warn("duplicate address", zap.String("addr", body.Addr), zap.String("id", string(body.ID)))
		return s.fail(req, "register", wire.CodeDuplicateAddress, err)
	case errors.Is(err, ErrInvalidAddress):
		return s.fail(req, "register", wire.CodeInvalidAddress, err)
	case err != nil:
		return s.fail(req, "register", wire.CodeBadRequest, err)
	}
	s.detector.Observe(rec.ID, s.cfg.Clock.Now())
	telemetry.DirectoryMembers.Set(float64(s.reg.Len()))
	s.log.Debug("registered", zap.Stringer("peer", rec), zap.String("role", string(rec.Role)))
	return s.ok(req, "register", wire.KindRegistered, wire.RegisterResponse{Record: rec})
}

func (s *Service) handleListPeers(_ context.Context, req wire.Envelope) *wire.Envelope {
	if !s.running() {
		return s.unavailable(req)
	}
	var body wire.ListPeersRequest
	if err := req.Decode(&body); err != nil {
		return s.fail(req, "list_peers", wire.CodeBadRequest, err)
	}
	return s.ok(req, "list_peers", wire.KindPeers, wire.PeersResponse{Peers: s.reg.ListPeers(body.CallerID)})
}

func (s *Service) handleDeregister(_ context.Context, req wire.Envelope) *wire.Envelope {
	if !s.running() {
		return s.unavailable(req)
	}
	var body wire.DeregisterRequest
	if err := req.Decode(&body); err != nil {
		return s.fail(req, "deregister", wire.CodeBadRequest, err)
	}
	if s.reg.Deregister(body.ID) {
		s.log.Debug("deregistered", zap.String("id", string(body.ID)))
	}
	s.detector.Remove(body.ID)
	telemetry.DirectoryMembers.Set(float64(s.reg.Len()))
	return s.ok(req, "deregister", wire.KindDeregistered, struct{}{})
}
