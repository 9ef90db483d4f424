package certificates

import (
	"strings"
	"time"

	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TestResult is read-only input imported from the assessment platform.
type TestResult struct {
	ID          string
	TestID      string
	Subject     subjects.Ref
	Score       float64
	MaxScore    float64
	CompletedAt time.Time
}

// Percentage is score/maxScore scaled to 0..100.
func (r TestResult) Percentage() float64 {
	if r.MaxScore <= 0 {
		return 0
	}
	return r.Score * 100 / r.MaxScore
}

// Validate rejects results that cannot be priced or owned.
func (r TestResult) Validate() error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.TestID) == "" {
		return errors.Wrap(ErrInvalidRequest, "test result needs id and test id")
	}
	if err := r.Subject.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidRequest, "%v", err)
	}
	if r.MaxScore <= 0 || r.Score < 0 || r.Score > r.MaxScore {
		return errors.Wrapf(ErrInvalidRequest, "score %.2f of %.2f", r.Score, r.MaxScore)
	}
	return nil
}

// IsEligible reports whether percentage reaches the pass threshold.
func IsEligible(percentage, threshold float64) bool {
	return percentage >= threshold
}

type Purchase struct {
	ID             string
	TestResultID   string
	Subject        subjects.Ref
	Amount         int64
	Currency       string
	Status         Status
	TransactionID  *string
	CertificateURL *string
	FailureReason  *string
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Initiation struct {
	Purchase *Purchase
	Checkout payment.Checkout
}

type GetCriteria struct {
	ID            *string
	TransactionID *string
	// ActiveFor finds the non-failed purchase of a test result.
	ActiveFor *string
}
