package certificates

import (
	"context"
	"fmt"
	"time"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateInProgress = errors.New("certificate purchase already exists")
	ErrNotEligible         = errors.New("test result is not eligible for a certificate")
	ErrNotFound            = errors.New("certificate purchase not found")
	ErrResultNotFound      = errors.New("test result not found")
	ErrNotPending          = errors.New("certificate purchase is not pending")
	ErrPaymentNotCompleted = errors.New("payment is not completed")
	ErrInvalidRequest      = errors.New("invalid certificate request")
)

// DuplicateError points at the purchase that blocks a new one.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("certificate purchase %s already exists", e.ExistingID)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicateInProgress
}

type (
	Storage interface {
		GetTestResult(ctx context.Context, id string) (*TestResult, error)
		UpsertTestResult(ctx context.Context, result TestResult) error
		// CreatePurchase returns ErrDuplicateInProgress when a non-failed
		// purchase for the test result exists.
		CreatePurchase(ctx context.Context, purchase Purchase) (*Purchase, error)
		GetPurchase(ctx context.Context, criteria GetCriteria) (*Purchase, error)
		// CompletePurchase and FailPurchase only touch pending purchases.
		CompletePurchase(ctx context.Context, id string, paidAt time.Time) (bool, error)
		FailPurchase(ctx context.Context, id string, reason string) (bool, error)
		SetCertificateURL(ctx context.Context, id string, url string) error
	}

	Payments interface {
		Open(ctx context.Context, req payment.OpenRequest) (*payment.Order, error)
		Get(ctx context.Context, transactionID string) (*payment.Order, error)
		Checkout(order *payment.Order, description string) payment.Checkout
	}

	Subjects interface {
		Resolve(ctx context.Context, ref subjects.Ref) (*subjects.Account, error)
	}

	Notifier interface {
		Notify(ctx context.Context, email, template string, vars map[string]string)
	}

	// Renderer produces the certificate and returns where it can be fetched.
	Renderer interface {
		Render(ctx context.Context, purchase *Purchase, result *TestResult, account *subjects.Account) (string, error)
	}
)
