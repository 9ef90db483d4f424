package payment

import (
	"time"

	"examdesk/internal/infra/razorpay"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Purpose names the tracker that owns the order.
type Purpose string

const (
	PurposeBooking     Purpose = "booking"
	PurposeCertificate Purpose = "certificate"
)

// Order is the local record of a provider order. Status only moves from
// pending to completed or failed.
type Order struct {
	TransactionID     string
	Purpose           Purpose
	Amount            int64
	Currency          string
	Status            Status
	ProviderOrderID   *string
	ProviderPaymentID *string
	FailureReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

func (o Order) Terminal() bool {
	return o.Status != StatusPending
}

type GetCriteria struct {
	TransactionID   *string
	ProviderOrderID *string
	Status          *Status
}

type ListCriteria struct {
	Status        *Status
	CreatedBefore *time.Time
	Limit         int
}

type UpdateParams struct {
	ProviderOrderID   *string
	ProviderPaymentID *string
}

// OpenRequest describes the order a tracker wants to be paid.
type OpenRequest struct {
	TransactionID string
	Purpose       Purpose
	// Amount is a decimal in major units, e.g. "499.50".
	Amount      string
	Description string
	Contact     razorpay.Contact
}

// Checkout is what the browser needs to open the provider's checkout form.
type Checkout struct {
	KeyID         string `json:"key_id"`
	OrderID       string `json:"order_id,omitempty"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description,omitempty"`
	CallbackURL   string `json:"callback_url"`
	Mock          bool   `json:"mock,omitempty"`
}
