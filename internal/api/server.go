// Package api serves the kiosk-facing HTTP API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/printing"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	RateLimit       int
	LoginRateLimit  int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
}

// Authenticator logs patrons in and out.
type Authenticator interface {
	TokenVerifier
	Authenticate(ctx context.Context, email, password string) (string, error)
	IssueToken(patronID string) (string, time.Time, error)
	Revoke(token string) error
}

// Sessions is the session engine surface the API drives.
type Sessions interface {
	Start(ctx context.Context, patronID string) (*storage.Session, error)
	Heartbeat(ctx context.Context, sessionID string) (*storage.Session, error)
	Session(ctx context.Context, sessionID string) (*storage.Session, error)
	Status(ctx context.Context, sessionID string) (*session.Status, error)
	Stop(ctx context.Context, sessionID string, reason session.Reason) (*session.Receipt, error)
}

// Accounts is the ledger surface the API drives.
type Accounts interface {
	GetBalance(ctx context.Context, patronID string) (billing.Money, error)
	Credit(ctx context.Context, patronID string, amount billing.Money, kind storage.TransactionKind, description string) (*storage.Transaction, error)
	History(ctx context.Context, patronID string, limit int) ([]storage.Transaction, error)
}

// Printer bills print jobs.
type Printer interface {
	ChargeForJob(ctx context.Context, job printing.Job) (*storage.Transaction, error)
}

// Server represents the API HTTP server.
type Server struct {
	config       Config
	auth         Authenticator
	sessions     Sessions
	accounts     Accounts
	printer      Printer
	validate     *validator.Validate
	rateLimiter  *RateLimiter
	loginLimiter *RateLimiter
	router       *mux.Router
	handler      http.Handler
	server       *http.Server
	listener     net.Listener
	logger       zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, auth Authenticator, sessions Sessions, accounts Accounts, printer Printer, logger zerolog.Logger) *Server {
	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 100 // Default: 100 requests per minute
	}
	loginRateLimit := cfg.LoginRateLimit
	if loginRateLimit == 0 {
		loginRateLimit = 5
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		config:       cfg,
		auth:         auth,
		sessions:     sessions,
		accounts:     accounts,
		printer:      printer,
		validate:     validator.New(),
		rateLimiter:  NewRateLimiter(rateLimit, rateLimitWindow),
		loginLimiter: NewRateLimiter(loginRateLimit, rateLimitWindow),
		router:       mux.NewRouter(),
		logger:       logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	// CORS sits outside the router so preflight requests never reach
	// method matching.
	s.handler = RequestIDMiddleware(CORSMiddleware(cfg.AllowedOrigins)(s.router))

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	login := http.HandlerFunc(s.handleLogin)
	api.Handle("/auth/login", RateLimitMiddleware(s.loginLimiter)(login)).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(AuthMiddleware(s.auth))

	protected.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	protected.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}", s.handleSessionStatus).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}/stop", s.handleStopSession).Methods(http.MethodPost)

	protected.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	protected.HandleFunc("/credit", s.handleCredit).Methods(http.MethodPost)
	protected.HandleFunc("/transactions", s.handleTransactions).Methods(http.MethodGet)

	protected.HandleFunc("/print", s.handlePrint).Methods(http.MethodPost)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener sets a pre-existing listener (e.g., from systemd socket activation).
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server and blocks until it is stopped.
func (s *Server) Start() error {
	if s.listener != nil {
		s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting API server (systemd socket)")
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	}

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	s.loginLimiter.Stop()

	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}
