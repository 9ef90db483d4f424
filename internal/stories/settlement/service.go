package settlement

import (
	"context"
	"log/slog"
	"time"

	"examdesk/internal/infra/razorpay"
	"examdesk/internal/stories/payment"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const reconcileBatch = 100

// Service applies settled payment orders to the trackers that own them.
type Service struct {
	payments    Payments
	trackers    map[payment.Purpose]Tracker
	gracePeriod time.Duration
	expiry      time.Duration
	logger      *slog.Logger
}

func NewService(payments Payments, trackers map[payment.Purpose]Tracker, gracePeriod, expiry time.Duration, logger *slog.Logger) *Service {
	return &Service{
		payments:    payments,
		trackers:    trackers,
		gracePeriod: gracePeriod,
		expiry:      expiry,
		logger:      logger,
	}
}

// ConfirmCheckout handles the signed result of the checkout form.
func (s *Service) ConfirmCheckout(ctx context.Context, providerOrderID, paymentID, signature string) (*payment.Order, error) {
	order, err := s.payments.VerifyCheckout(ctx, providerOrderID, paymentID, signature)
	if err != nil {
		if order != nil && errors.Is(err, payment.ErrSignatureMismatch) && order.Status == payment.StatusFailed {
			if trackErr := s.apply(ctx, order); trackErr != nil {
				s.logger.Error("Failed to fail tracker after signature mismatch", "transaction_id", order.TransactionID, "error", trackErr)
			}
		}
		return order, err
	}

	return order, s.apply(ctx, order)
}

// HandleWebhook verifies and applies a provider webhook delivery. An
// authorized payment is recorded on its order for reconciliation; other
// events that do not settle an order are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature, timestamp string) error {
	if !s.payments.VerifyWebhook(body, signature, timestamp) {
		s.logger.Warn("Webhook signature mismatch", "timestamp", timestamp, "size", len(body))
		return errors.Wrap(payment.ErrSignatureMismatch, "webhook")
	}

	ev, err := razorpay.ParseWebhookEvent(body)
	if err != nil {
		return errors.Wrapf(ErrInvalidWebhook, "%v", err)
	}
	if !ev.Terminal() && !ev.Authorized() {
		s.logger.Debug("Ignoring webhook event", "event", ev.Name)
		return nil
	}

	s.logger.Info("Webhook received",
		"event", ev.Name,
		"provider_order_id", ev.OrderID,
		"provider_payment_id", ev.PaymentID,
	)

	order, err := s.payments.ApplyEvent(ctx, ev)
	if err != nil && !errors.Is(err, payment.ErrOrderClosed) {
		return err
	}
	return s.apply(ctx, order)
}

// ListStale returns pending orders older than the grace period, oldest
// first.
func (s *Service) ListStale(ctx context.Context) ([]*payment.Order, error) {
	return s.payments.ListStale(ctx, s.gracePeriod, reconcileBatch)
}

// ReconcileOrder settles one stale order and its tracker.
func (s *Service) ReconcileOrder(ctx context.Context, order *payment.Order, summary *Summary) error {
	settled, err := s.payments.Reconcile(ctx, order, s.expiry)
	if err != nil && !errors.Is(err, payment.ErrOrderClosed) {
		return err
	}

	switch settled.Status {
	case payment.StatusCompleted:
		summary.Completed++
	case payment.StatusFailed:
		summary.Failed++
	default:
		return nil
	}

	s.logger.Info("Payment order reconciled",
		"transaction_id", settled.TransactionID,
		"status", settled.Status,
		"reason", lo.FromPtr(settled.FailureReason),
	)
	return s.apply(ctx, settled)
}

// apply pushes a terminal order into its tracker. Trackers are idempotent,
// so redelivered events heal records left behind by an earlier crash.
func (s *Service) apply(ctx context.Context, order *payment.Order) error {
	if order == nil || !order.Terminal() {
		return nil
	}

	tracker, ok := s.trackers[order.Purpose]
	if !ok {
		return errors.Wrapf(ErrNoTracker, "%s", order.Purpose)
	}

	if order.Status == payment.StatusCompleted {
		return tracker.CompletePayment(ctx, order.TransactionID)
	}
	return tracker.FailPayment(ctx, order.TransactionID, lo.FromPtr(order.FailureReason))
}
