package paymentautocheck

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"
)

type blockingSettlement struct {
	orders  []*payment.Order
	release chan struct{}
	started chan string
	calls   atomic.Int32

	mu   sync.Mutex
	seen map[string]int
}

func (b *blockingSettlement) ListStale(context.Context) ([]*payment.Order, error) {
	return b.orders, nil
}

func (b *blockingSettlement) ReconcileOrder(_ context.Context, order *payment.Order, summary *settlement.Summary) error {
	b.calls.Add(1)
	b.mu.Lock()
	b.seen[order.TransactionID]++
	b.mu.Unlock()

	b.started <- order.TransactionID
	<-b.release
	summary.Completed++
	return nil
}

func TestRunSkipsInFlightOrders(t *testing.T) {
	s := &blockingSettlement{
		orders: []*payment.Order{
			{TransactionID: "tx-1", Status: payment.StatusPending},
			{TransactionID: "tx-2", Status: payment.StatusPending},
		},
		release: make(chan struct{}),
		started: make(chan string, 4),
		seen:    map[string]int{},
	}
	w := NewWorker(s, "@every 1m", false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := w.run(context.Background()); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	// Both orders are now blocked inside ReconcileOrder.
	<-s.started
	<-s.started

	// An overlapping tick must not pick them up again.
	if err := w.run(context.Background()); err != nil {
		t.Fatalf("second run() error = %v", err)
	}

	close(s.release)
	w.wg.Wait()

	if got := s.calls.Load(); got != 2 {
		t.Errorf("ReconcileOrder calls = %d, want 2", got)
	}
	for tx, n := range s.seen {
		if n != 1 {
			t.Errorf("%s reconciled %d times", tx, n)
		}
	}

	// Once finished, the next tick may check them again.
	s.release = make(chan struct{})
	close(s.release)
	if err := w.run(context.Background()); err != nil {
		t.Fatalf("third run() error = %v", err)
	}
	w.wg.Wait()
	if got := s.calls.Load(); got != 4 {
		t.Errorf("ReconcileOrder calls after release = %d, want 4", got)
	}
}

func TestStartSkipsInMockMode(t *testing.T) {
	w := NewWorker(&blockingSettlement{}, "not a schedule", true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	w := NewWorker(&blockingSettlement{}, "not a schedule", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := w.Start(); err == nil {
		t.Error("Start() accepted a bad schedule")
	}
}
