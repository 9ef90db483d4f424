package payment

import (
	"context"
	"time"

	"examdesk/internal/infra/razorpay"

	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound     = errors.New("payment order not found")
	ErrSignatureMismatch = errors.New("payment signature mismatch")
	// ErrOutcomeUnknown means the provider call did not return, so the
	// order stays pending until reconciliation.
	ErrOutcomeUnknown = errors.New("payment provider outcome unknown")
	ErrOrderClosed    = errors.New("payment order already failed")
)

type (
	// Storage provides database operations for payment orders
	Storage interface {
		CreateOrder(ctx context.Context, order Order) (*Order, error)
		GetOrder(ctx context.Context, criteria GetCriteria) (*Order, error)
		UpdateOrder(ctx context.Context, criteria GetCriteria, params UpdateParams) (*Order, error)
		ListOrders(ctx context.Context, criteria ListCriteria) ([]*Order, error)
		// CompleteOrder and FailOrder only touch pending orders and report
		// whether the row changed.
		CompleteOrder(ctx context.Context, transactionID string, paymentID *string, paidAt time.Time) (bool, error)
		FailOrder(ctx context.Context, transactionID string, reason string) (bool, error)
	}

	// Gateway provides Razorpay API operations
	Gateway interface {
		PrepareOrder(transactionID, amount, description string, contact razorpay.Contact) (*razorpay.OrderRequest, error)
		CreateOrder(ctx context.Context, req *razorpay.OrderRequest) (string, error)
		GetPayment(ctx context.Context, paymentID string) (*razorpay.Payment, error)
		ListOrderPayments(ctx context.Context, orderID string) ([]razorpay.Payment, error)
		VerifyPaymentSignature(orderID, paymentID, signature string) bool
		VerifyWebhookSignature(payload []byte, signature, timestamp string) bool
		KeyID() string
	}
)
