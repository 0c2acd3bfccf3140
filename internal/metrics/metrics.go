package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_api_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kcafe_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_sessions_started_total",
			Help: "Total metered sessions started",
		},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_sessions_ended_total",
			Help: "Total metered sessions ended, by final state",
		},
		[]string{"state"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kcafe_sessions_active",
			Help: "Number of active metered sessions",
		},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kcafe_session_duration_seconds",
			Help:    "Billed session duration in seconds",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
		},
	)

	// Billing metrics
	AmountCharged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_billing_amount_charged_total",
			Help: "Total amount collected, in currency units",
		},
		[]string{"kind"},
	)

	AmountShortfall = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_billing_shortfall_total",
			Help: "Total amount that could not be collected, in currency units",
		},
	)

	// Ledger metrics
	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_ledger_operations_total",
			Help: "Ledger operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	LedgerReadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_ledger_read_retries_total",
			Help: "Read-only ledger operations retried after an infrastructure error",
		},
	)

	// Reconciler metrics
	ReconcileSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kcafe_reconcile_sweeps_total",
			Help: "Total stale session sweeps run",
		},
	)

	ReconcileSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_reconcile_sessions_total",
			Help: "Stale sessions handled by the sweep, by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kcafe_reconcile_duration_seconds",
			Help:    "Stale session sweep duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	// Auth metrics
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kcafe_auth_login_attempts_total",
			Help: "Patron login attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SessionsStarted,
		SessionsEnded,
		ActiveSessions,
		SessionDuration,
		AmountCharged,
		AmountShortfall,
		LedgerOperations,
		LedgerReadRetries,
		ReconcileSweeps,
		ReconcileSessions,
		ReconcileDuration,
		LoginAttempts,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: Handler(),
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and a plain /health probe.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
