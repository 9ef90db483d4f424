package ratelimitsweep

import (
	"fmt"
	"log/slog"
	"time"

	"examdesk/internal/metrics"

	"github.com/robfig/cron/v3"
)

// Worker prunes the OTP rate limiter on a fixed interval
type Worker struct {
	limiter  Limiter
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewWorker creates a new rate limiter sweep worker
func NewWorker(limiter Limiter, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		limiter:  limiter,
		interval: interval,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Name returns the worker name
func (w *Worker) Name() string {
	return "ratelimit-sweep"
}

// Start starts the sweep worker
func (w *Worker) Start() error {
	if w.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", w.interval)
	}

	w.cron.Schedule(cron.Every(w.interval), cron.FuncJob(w.run))
	w.cron.Start()
	w.logger.Info("Rate limiter sweep worker started", "interval", w.interval)
	return nil
}

// Stop stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping rate limiter sweep worker")
	<-w.cron.Stop().Done()
}

func (w *Worker) run() {
	remaining := w.limiter.Sweep()
	metrics.RateLimiterKeys.Set(float64(remaining))
	w.logger.Debug("Rate limiter swept", "remaining_keys", remaining)
}
