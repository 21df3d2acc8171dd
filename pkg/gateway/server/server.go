package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/handlers"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
)

// Server wires the ambient HTTP surface (health, readiness, metrics) and
// the /v1/live dialog endpoint together behind the shared middleware chain.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
	metrics   *metrics.Metrics
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.LimitMaxConcurrentStreams,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
		metrics:   metrics.New(""),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/", handlers.NotFoundHandler{})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.sessions,
		Metrics:      s.metrics,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the gateway's readiness state so /v1/live rejects new
// sessions and /readyz reports not-ready ahead of a shutdown.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining best-effort notifies every live session in
// flight that the gateway is about to shut down, ahead of CancelLiveSessions.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.sessions.WarnAll("server_draining", "the gateway is shutting down")
}

// WaitLiveSessions blocks until every live session has finished, or ctx is
// done, returning whether every session finished before ctx expired.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelLiveSessions forces every remaining live session to finalize its
// current turn and close, for use after WaitLiveSessions times out.
func (s *Server) CancelLiveSessions() int {
	return s.sessions.CancelAll()
}
