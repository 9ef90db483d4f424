package settlement

import (
	"context"
	"time"

	"examdesk/internal/infra/razorpay"
	"examdesk/internal/stories/payment"

	"github.com/pkg/errors"
)

var (
	ErrInvalidWebhook = errors.New("invalid webhook")
	ErrNoTracker      = errors.New("no tracker for payment purpose")
)

type (
	// Tracker owns the records paid for by payment orders of one purpose.
	Tracker interface {
		CompletePayment(ctx context.Context, transactionID string) error
		FailPayment(ctx context.Context, transactionID, reason string) error
	}

	Payments interface {
		VerifyCheckout(ctx context.Context, providerOrderID, paymentID, signature string) (*payment.Order, error)
		VerifyWebhook(payload []byte, signature, timestamp string) bool
		ApplyEvent(ctx context.Context, ev *razorpay.Event) (*payment.Order, error)
		ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*payment.Order, error)
		Reconcile(ctx context.Context, order *payment.Order, expiry time.Duration) (*payment.Order, error)
	}
)

// Summary counts orders settled by reconciliation.
type Summary struct {
	Completed int
	Failed    int
}
