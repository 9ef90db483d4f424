package paymentautocheck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"examdesk/internal/metrics"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"

	"github.com/robfig/cron/v3"
)

// Worker polls the provider for pending orders that are older than the grace
// period and settles them.
type Worker struct {
	settlement  Settlement
	schedule    string
	mockPayment bool
	logger      *slog.Logger
	cron        *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Track orders being processed to prevent race conditions
	processingOrders sync.Map
}

// NewWorker creates a new payment autocheck worker
func NewWorker(settlement Settlement, schedule string, mockPayment bool, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		settlement:  settlement,
		schedule:    schedule,
		mockPayment: mockPayment,
		logger:      logger,
		cron:        cron.New(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Name returns the worker name
func (w *Worker) Name() string {
	return "payment-autocheck"
}

// Start starts the payment autocheck worker
func (w *Worker) Start() error {
	// Mock payments complete on open, nothing is ever left pending
	if w.mockPayment {
		w.logger.Info("Mock payment mode enabled, skipping payment auto-check worker")
		return nil
	}

	_, err := w.cron.AddFunc(w.schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Panic in payment autocheck worker", "panic", r)
			}
		}()
		if err := w.run(w.ctx); err != nil {
			w.logger.Error("Payment autocheck worker failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule payment autocheck worker: %w", err)
	}

	w.cron.Start()
	w.logger.Info("Payment autocheck worker started", "schedule", w.schedule)
	return nil
}

// Stop stops scheduling and waits for in-flight orders.
func (w *Worker) Stop() {
	w.logger.Info("Stopping payment autocheck worker")
	<-w.cron.Stop().Done()
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) error {
	orders, err := w.settlement.ListStale(ctx)
	if err != nil {
		return fmt.Errorf("list stale orders: %w", err)
	}
	if len(orders) > 0 {
		w.logger.Debug("Checking stale payment orders", "count", len(orders))
	}

	for _, order := range orders {
		// Check if already being processed
		if _, loaded := w.processingOrders.LoadOrStore(order.TransactionID, true); loaded {
			continue
		}

		w.wg.Add(1)
		go func(order *payment.Order) {
			defer w.wg.Done()
			defer w.processingOrders.Delete(order.TransactionID)

			w.processOrder(ctx, order)
		}(order)
	}

	return nil
}

func (w *Worker) processOrder(ctx context.Context, order *payment.Order) {
	var summary settlement.Summary
	if err := w.settlement.ReconcileOrder(ctx, order, &summary); err != nil {
		metrics.ReconciledOrdersTotal.WithLabelValues("error").Inc()
		w.logger.Error("Failed to reconcile order",
			"transaction_id", order.TransactionID,
			"purpose", order.Purpose,
			"error", err)
		return
	}

	switch {
	case summary.Completed > 0:
		metrics.ReconciledOrdersTotal.WithLabelValues("completed").Inc()
	case summary.Failed > 0:
		metrics.ReconciledOrdersTotal.WithLabelValues("failed").Inc()
	default:
		metrics.ReconciledOrdersTotal.WithLabelValues("pending").Inc()
	}
}
