package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mireapprove/backend/internal/bot"
	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/ratelimit"
	"github.com/mireapprove/backend/internal/upstream"
)

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BotToken verifies Mini App initData signatures.
	BotToken string

	// TrustedAPIKey guards the external-auth registration surface.
	// Empty disables it.
	TrustedAPIKey string

	// RateLimitPerMinute is the general per-caller budget. The external
	// registration route gets its own, stricter budget.
	RateLimitPerMinute int
}

// Broker is the slice of the session broker the HTTP layer needs.
type Broker interface {
	Register(ctx context.Context, tgID int64) error
	SubmitLogin(ctx context.Context, tgID int64, login, password string) ([]string, error)
	SubmitCode(ctx context.Context, tgID int64, code string) error
	GetIdentity(ctx context.Context, tgID int64) (upstream.Identity, error)
	SelfApprove(ctx context.Context, tgID int64, token string) (string, error)
	VisitingLogs(ctx context.Context, tgID int64) ([]byte, error)
}

// Marker drives mass-marking sessions.
type Marker interface {
	Start(ctx context.Context, ownerID int64, url string, targets []int64) (string, error)
	Status(sessionID string) (model.MarkingSession, error)
	Continue(ctx context.Context, sessionID string, ownerID int64, url string) (int, error)
}

// Store is the slice of storage the HTTP layer needs directly.
type Store interface {
	GetUser(ctx context.Context, tgID int64) (model.User, error)
	ListGroupConfirmers(ctx context.Context, group string) ([]model.User, error)
	CreateExternalToken(ctx context.Context, t model.ExternalToken) error
	GetExternalToken(ctx context.Context, token string, now time.Time) (model.ExternalToken, error)
	SetExternalTokenStatus(ctx context.Context, token, status string) error
}

// WebhookHandler consumes Telegram updates from the webhook route.
type WebhookHandler interface {
	HandleUpdate(ctx context.Context, upd bot.Update)
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	broker  Broker
	marker  Marker
	store   Store
	bridge  WebhookHandler
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	httpServer *http.Server
}

// New creates a server with all routes and middleware configured.
func New(cfg Config, broker Broker, marker Marker, store Store, bridge WebhookHandler,
	limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		broker:  broker,
		marker:  marker,
		store:   store,
		bridge:  bridge,
		limiter: limiter,
		logger:  logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler builds the routing table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/submit-code", s.handleSubmitCode)
	mux.HandleFunc("GET /api/v1/identity", s.handleIdentity)
	mux.HandleFunc("GET /api/v1/group", s.handleGroupMembers)
	mux.HandleFunc("GET /api/v1/visits", s.handleVisits)
	mux.HandleFunc("POST /api/v1/approve", s.handleApprove)

	mux.HandleFunc("POST /api/v1/marking", s.handleMarkingStart)
	mux.HandleFunc("GET /api/v1/marking/{id}", s.handleMarkingStatus)
	mux.HandleFunc("POST /api/v1/marking/{id}/continue", s.handleMarkingContinue)

	mux.HandleFunc("POST /api/v1/telegram/webhook", s.handleWebhook)

	// The registration route gets a tight budget of its own so a trusted
	// service cannot burn the general one.
	registerRule := ratelimit.Rule{Prefix: "external-register", Limit: 10, Window: time.Minute}
	mux.Handle("POST /api/v1/external-auth/register",
		rateLimitMiddleware(s.limiter, registerRule, http.HandlerFunc(s.handleExternalRegister)))
	mux.HandleFunc("GET /api/v1/external-auth/{token}", s.handleExternalStatus)
	mux.HandleFunc("POST /api/v1/external-auth/{token}/reject", s.handleExternalReject)

	generalRule := ratelimit.Rule{
		Prefix: "api",
		Limit:  s.cfg.RateLimitPerMinute,
		Window: time.Minute,
	}

	var handler http.Handler = mux
	handler = recoveryMiddleware(s.logger, handler)
	handler = rateLimitMiddleware(s.limiter, generalRule, handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}
