package session

import (
	"context"
	"time"

	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/rs/zerolog"
)

// Reconciler periodically abandons sessions whose clients stopped
// heartbeating. The first sweep runs as soon as it starts, so sessions left
// active by a previous process are picked up after a restart.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
	trigger  chan struct{}
	stopChan chan struct{}
	done     chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(engine *Engine, interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop
func (r *Reconciler) Start() {
	go r.run()
	r.logger.Info().
		Dur("interval", r.interval).
		Dur("heartbeat_timeout", r.engine.HeartbeatTimeout()).
		Msg("Session reconciler started")
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish
func (r *Reconciler) Stop() {
	close(r.stopChan)
	<-r.done
	r.logger.Info().Msg("Session reconciler stopped")
}

// Trigger requests an immediate sweep without waiting for the next tick.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// run is the main sweep loop
func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.trigger:
			r.sweep()
		case <-r.stopChan:
			return
		}
	}
}

func (r *Reconciler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	result, err := r.engine.Reconcile(ctx, r.engine.Now())
	if err != nil {
		r.logger.Error().Err(err).Msg("Session sweep failed")
		return
	}

	if active, err := r.engine.sessions.ListActive(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(len(active)))
	}

	r.logger.Debug().
		Int("scanned", result.Scanned).
		Int("abandoned", result.Abandoned).
		Int("failed", result.Failed).
		Msg("Session sweep complete")
}
