package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxlingo/voxlingo/pkg/gateway/config"
	"github.com/voxlingo/voxlingo/pkg/gateway/handlers"
	"github.com/voxlingo/voxlingo/pkg/gateway/live/engine"
	"github.com/voxlingo/voxlingo/pkg/gateway/live/sessions"
	"github.com/voxlingo/voxlingo/pkg/gateway/metrics"
	"github.com/voxlingo/voxlingo/pkg/gateway/mw"
	"github.com/voxlingo/voxlingo/pkg/gateway/ratelimit"
)

// Store is the full persistence surface the gateway needs. *store.Store
// satisfies it.
type Store interface {
	handlers.ConversationStore
	engine.Store
	handlers.Pinger
}

// Generator is the generative surface: script creation for the REST API plus
// grading and summarizing for live sessions. *ai.Client satisfies it.
type Generator interface {
	handlers.ScriptGenerator
	engine.Generator
}

type Dependencies struct {
	Store     Store
	Generator Generator
	Speech    engine.Speech
	Blob      engine.Blob
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies

	limiter      *ratelimit.Limiter
	liveSessions *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentSessions: cfg.WSMaxSessionsPerPrincipal,
		}),
		liveSessions: sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config: s.cfg,
		Live:   s.liveSessions,
		DB:     s.deps.Store,
	})
	s.mux.Handle("/metrics", metrics.Handler())

	conversations := handlers.ConversationsHandler{
		Config:    s.cfg,
		Store:     s.deps.Store,
		Generator: s.deps.Generator,
		Logger:    s.logger,
	}
	s.mux.Handle("/v1/conversations", conversations)
	s.mux.Handle("/v1/conversations/", conversations)

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Store:        s.deps.Store,
		Generator:    s.deps.Generator,
		Speech:       s.deps.Speech,
		Blob:         s.deps.Blob,
		Logger:       s.logger,
		Limiter:      s.limiter,
		LiveSessions: s.liveSessions,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.cfg, s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain stops admitting new live sessions, warns the open ones and waits for
// them to finish within the context deadline. Sessions still open when the
// deadline passes are force-canceled.
func (s *Server) Drain(ctx context.Context) {
	s.liveSessions.SetDraining(true)

	warned := s.liveSessions.WarnAll("draining", "server is shutting down, finish your turn")
	if warned > 0 {
		s.logger.Info("draining live sessions", "sessions", warned)
	}

	if s.liveSessions.Wait(ctx) {
		return
	}
	canceled := s.liveSessions.CancelAll()
	s.logger.Warn("drain deadline exceeded, canceled live sessions", "sessions", canceled)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.liveSessions.Wait(waitCtx)
}
