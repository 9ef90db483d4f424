package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"examdesk/internal/infra/razorpay"
	"examdesk/internal/metrics"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const maxReasonLength = 500

// Service provides business logic for payment orders
type Service struct {
	storage     Storage
	gateway     Gateway
	logger      *slog.Logger
	callbackURL string
	mockPayment bool
	now         func() time.Time
}

// NewService creates a new payment service
func NewService(storage Storage, gateway Gateway, callbackURL string, mockPayment bool, logger *slog.Logger) *Service {
	return &Service{
		storage:     storage,
		gateway:     gateway,
		logger:      logger,
		callbackURL: callbackURL,
		mockPayment: mockPayment,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Open stores a pending order and registers it with the provider.
//
// A *razorpay.GatewayError fails the order. Transport errors leave it pending
// and come back wrapped in ErrOutcomeUnknown.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Order, error) {
	s.logger.Info("Opening payment order",
		"transaction_id", req.TransactionID,
		"purpose", req.Purpose,
		"amount", req.Amount,
		"mock_mode", s.mockPayment,
	)

	orderReq, err := s.gateway.PrepareOrder(req.TransactionID, req.Amount, req.Description, req.Contact)
	if err != nil {
		s.logger.Error("Invalid order request", "error", err, "transaction_id", req.TransactionID)
		return nil, errors.Wrap(err, "prepare order")
	}

	created, err := s.storage.CreateOrder(ctx, Order{
		TransactionID: req.TransactionID,
		Purpose:       req.Purpose,
		Amount:        orderReq.Amount,
		Currency:      orderReq.Currency,
		Status:        StatusPending,
	})
	if err != nil {
		s.logger.Error("Failed to create payment order in storage", "error", err, "transaction_id", req.TransactionID)
		return nil, errors.Wrap(err, "create payment order")
	}
	metrics.PaymentOrdersTotal.WithLabelValues(string(req.Purpose), string(StatusPending)).Inc()

	// Mock payment mode completes the order without calling Razorpay
	if s.mockPayment {
		return s.Complete(ctx, created.TransactionID, nil)
	}

	providerOrderID, err := s.gateway.CreateOrder(ctx, orderReq)
	if err != nil {
		var gwErr *razorpay.GatewayError
		if errors.As(err, &gwErr) {
			if _, failErr := s.Fail(ctx, created.TransactionID, FailureReason(err)); failErr != nil {
				s.logger.Error("Failed to mark payment order failed", "error", failErr, "transaction_id", created.TransactionID)
			}
			return nil, errors.Wrap(err, "create provider order")
		}

		s.logger.Warn("Provider order outcome unknown, leaving pending",
			"error", err,
			"transaction_id", created.TransactionID,
		)
		return nil, errors.Wrapf(ErrOutcomeUnknown, "create provider order: %v", err)
	}

	updated, err := s.storage.UpdateOrder(ctx,
		GetCriteria{TransactionID: &created.TransactionID},
		UpdateParams{ProviderOrderID: &providerOrderID},
	)
	if err != nil {
		s.logger.Error("Failed to store provider order id",
			"error", err,
			"transaction_id", created.TransactionID,
			"provider_order_id", providerOrderID,
		)
		return nil, errors.Wrap(err, "store provider order id")
	}

	s.logger.Info("Payment order opened",
		"transaction_id", updated.TransactionID,
		"provider_order_id", providerOrderID,
	)
	return updated, nil
}

// VerifyCheckout checks the signature returned by the checkout form and
// completes the order. A mismatch fails a pending order.
func (s *Service) VerifyCheckout(ctx context.Context, providerOrderID, paymentID, signature string) (*Order, error) {
	order, err := s.storage.GetOrder(ctx, GetCriteria{ProviderOrderID: &providerOrderID})
	if err != nil {
		return nil, errors.Wrap(err, "get payment order")
	}
	if order == nil {
		return nil, errors.Wrapf(ErrOrderNotFound, "provider order %s", providerOrderID)
	}

	if !s.gateway.VerifyPaymentSignature(providerOrderID, paymentID, signature) {
		s.logger.Warn("Payment signature mismatch",
			"transaction_id", order.TransactionID,
			"provider_order_id", providerOrderID,
			"provider_payment_id", paymentID,
			"status", order.Status,
		)
		if order.Status == StatusCompleted {
			return order, ErrSignatureMismatch
		}

		failed, err := s.Fail(ctx, order.TransactionID, "payment signature mismatch")
		if err != nil {
			return nil, err
		}
		return failed, ErrSignatureMismatch
	}

	return s.Complete(ctx, order.TransactionID, &paymentID)
}

// VerifyWebhook reports whether a webhook delivery is authentic.
func (s *Service) VerifyWebhook(payload []byte, signature, timestamp string) bool {
	return s.gateway.VerifyWebhookSignature(payload, signature, timestamp)
}

// ApplyEvent settles the order a verified webhook event refers to.
func (s *Service) ApplyEvent(ctx context.Context, ev *razorpay.Event) (*Order, error) {
	order, err := s.storage.GetOrder(ctx, GetCriteria{ProviderOrderID: &ev.OrderID})
	if err != nil {
		return nil, errors.Wrap(err, "get payment order")
	}
	if order == nil {
		return nil, errors.Wrapf(ErrOrderNotFound, "provider order %s", ev.OrderID)
	}

	if ev.Authorized() {
		return s.recordPayment(ctx, order, ev.PaymentID)
	}
	if ev.Succeeded() {
		return s.Complete(ctx, order.TransactionID, lo.EmptyableToPtr(ev.PaymentID))
	}

	reason := ev.ErrorDescription
	if reason == "" {
		reason = "payment failed at provider"
	}
	return s.Fail(ctx, order.TransactionID, reason)
}

// recordPayment stores the provider payment id on a pending order so that
// reconciliation can poll that payment directly.
func (s *Service) recordPayment(ctx context.Context, order *Order, paymentID string) (*Order, error) {
	if order.Terminal() || paymentID == "" || lo.FromPtr(order.ProviderPaymentID) == paymentID {
		return order, nil
	}

	updated, err := s.storage.UpdateOrder(ctx,
		GetCriteria{TransactionID: &order.TransactionID, Status: lo.ToPtr(StatusPending)},
		UpdateParams{ProviderPaymentID: &paymentID},
	)
	if err != nil {
		return nil, errors.Wrap(err, "record provider payment")
	}
	if updated == nil {
		// settled in the meantime
		return s.Get(ctx, order.TransactionID)
	}

	s.logger.Info("Payment authorized, waiting for capture",
		"transaction_id", order.TransactionID,
		"provider_payment_id", paymentID,
	)
	return updated, nil
}

// Complete moves a pending order to completed. Completing a completed order
// returns it unchanged; a failed order yields ErrOrderClosed.
func (s *Service) Complete(ctx context.Context, transactionID string, paymentID *string) (*Order, error) {
	changed, err := s.storage.CompleteOrder(ctx, transactionID, paymentID, s.now())
	if err != nil {
		s.logger.Error("Failed to complete payment order", "error", err, "transaction_id", transactionID)
		return nil, errors.Wrap(err, "complete payment order")
	}

	order, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.PaymentOrdersTotal.WithLabelValues(string(order.Purpose), string(StatusCompleted)).Inc()
		s.logger.Info("Payment order completed", "transaction_id", transactionID, "purpose", order.Purpose)
	}
	if order.Status == StatusFailed {
		s.logger.Error("Payment received for a failed order",
			"transaction_id", transactionID,
			"provider_payment_id", lo.FromPtr(paymentID),
			"failure_reason", lo.FromPtr(order.FailureReason),
		)
		return order, ErrOrderClosed
	}

	return order, nil
}

// Fail moves a pending order to failed. Terminal orders are returned as is.
func (s *Service) Fail(ctx context.Context, transactionID, reason string) (*Order, error) {
	changed, err := s.storage.FailOrder(ctx, transactionID, truncate(reason))
	if err != nil {
		s.logger.Error("Failed to fail payment order", "error", err, "transaction_id", transactionID)
		return nil, errors.Wrap(err, "fail payment order")
	}

	order, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.PaymentOrdersTotal.WithLabelValues(string(order.Purpose), string(StatusFailed)).Inc()
		s.logger.Info("Payment order failed", "transaction_id", transactionID, "reason", reason)
	}
	return order, nil
}

func (s *Service) Get(ctx context.Context, transactionID string) (*Order, error) {
	order, err := s.storage.GetOrder(ctx, GetCriteria{TransactionID: &transactionID})
	if err != nil {
		return nil, errors.Wrap(err, "get payment order")
	}
	if order == nil {
		return nil, errors.Wrapf(ErrOrderNotFound, "transaction %s", transactionID)
	}
	return order, nil
}

// CheckPaymentStatus asks the provider about the order's known payment and
// applies a terminal answer.
func (s *Service) CheckPaymentStatus(ctx context.Context, transactionID string) (*Order, error) {
	order, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return order, nil
	}

	if s.mockPayment {
		s.logger.Info("Mock payment mode enabled, completing order", "transaction_id", transactionID)
		return s.Complete(ctx, transactionID, nil)
	}

	if order.ProviderPaymentID == nil {
		return order, nil
	}

	p, err := s.gateway.GetPayment(ctx, *order.ProviderPaymentID)
	if err != nil {
		return nil, errors.Wrap(err, "get provider payment")
	}

	s.logger.Info("Got payment status from Razorpay",
		"transaction_id", transactionID,
		"provider_status", p.Status,
	)

	switch p.Status {
	case razorpay.PaymentCaptured:
		return s.Complete(ctx, transactionID, &p.ID)
	case razorpay.PaymentFailed:
		return s.Fail(ctx, transactionID, lo.CoalesceOrEmpty(p.ErrorDescription, "payment failed at provider"))
	default:
		return order, nil
	}
}

// Reconcile settles a stale pending order by polling the provider. Orders
// never registered with the provider fail right away; others fail once they
// are older than expiry with no captured payment.
func (s *Service) Reconcile(ctx context.Context, order *Order, expiry time.Duration) (*Order, error) {
	if order.Terminal() {
		return order, nil
	}

	var lastFailure string
	switch {
	case s.mockPayment || order.ProviderPaymentID != nil:
		checked, err := s.CheckPaymentStatus(ctx, order.TransactionID)
		if err != nil || checked.Terminal() {
			return checked, err
		}
		lastFailure = fmt.Sprintf("payment %s not captured before expiry", lo.FromPtr(checked.ProviderPaymentID))
	case order.ProviderOrderID == nil:
		return s.Fail(ctx, order.TransactionID, "order was never registered with the payment provider")
	default:
		payments, err := s.gateway.ListOrderPayments(ctx, *order.ProviderOrderID)
		if err != nil {
			return nil, errors.Wrap(err, "list provider payments")
		}
		for _, p := range payments {
			switch p.Status {
			case razorpay.PaymentCaptured:
				return s.Complete(ctx, order.TransactionID, lo.ToPtr(p.ID))
			case razorpay.PaymentFailed:
				lastFailure = p.ErrorDescription
			}
		}
	}

	if s.now().Sub(order.CreatedAt) < expiry {
		return order, nil
	}
	return s.Fail(ctx, order.TransactionID, lo.CoalesceOrEmpty(lastFailure, "payment not completed before expiry"))
}

// ListStale returns pending orders created more than olderThan ago.
func (s *Service) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*Order, error) {
	orders, err := s.storage.ListOrders(ctx, ListCriteria{
		Status:        lo.ToPtr(StatusPending),
		CreatedBefore: lo.ToPtr(s.now().Add(-olderThan)),
		Limit:         limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list stale orders")
	}
	return orders, nil
}

// Checkout builds the options for the provider's checkout form.
func (s *Service) Checkout(order *Order, description string) Checkout {
	return Checkout{
		KeyID:         s.gateway.KeyID(),
		OrderID:       lo.FromPtr(order.ProviderOrderID),
		TransactionID: order.TransactionID,
		Amount:        order.Amount,
		Currency:      order.Currency,
		Description:   description,
		CallbackURL:   s.callbackURL,
		Mock:          s.mockPayment,
	}
}

// FailureReason turns an Open error into text stored on the owning record.
func FailureReason(err error) string {
	var gwErr *razorpay.GatewayError
	if errors.As(err, &gwErr) {
		return truncate(fmt.Sprintf("payment provider rejected the order (%d): %s", gwErr.StatusCode, gwErr.Body))
	}
	var vErr *razorpay.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Error()
	}
	return truncate(err.Error())
}

// truncate cuts reason to at most maxReasonLength bytes on a rune boundary.
func truncate(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	n := maxReasonLength
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
