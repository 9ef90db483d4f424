package razorpay

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const DefaultCurrency = "INR"

// ValidationError reports caller input the gateway refuses to send.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GatewayError is a non-2xx or unreadable response from the provider.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("razorpay responded %d: %s", e.StatusCode, e.Body)
}

// Contact is embedded into the order notes as opaque metadata.
type Contact struct {
	Name  string
	Email string
	Phone string
}

type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// decimalPattern admits digits with an optional fraction, nothing else.
var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseAmount converts a decimal major-unit amount ("499.50") into minor
// units (49950).
func ParseAmount(amount string) (int64, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return 0, &ValidationError{Field: "amount", Reason: "empty"}
	}

	if strings.HasPrefix(trimmed, "-") {
		return 0, &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if !decimalPattern.MatchString(trimmed) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is not a plain decimal", amount)}
	}

	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsInf(value, 0) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%q is out of range", amount)}
	}

	minor := math.Round(value * 100)
	if minor > math.MaxInt64/2 {
		return 0, &ValidationError{Field: "amount", Reason: "too large"}
	}

	return int64(minor), nil
}

// FormatAmount renders minor units back as a major-unit decimal string.
func FormatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

// PrepareOrder builds the order body sent to the provider.
func PrepareOrder(transactionID, amount, description string, contact Contact) (*OrderRequest, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, &ValidationError{Field: "transaction_id", Reason: "empty"}
	}

	minor, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	notes := map[string]string{
		"transaction_id": transactionID,
	}
	if description != "" {
		notes["description"] = description
	}
	if contact.Name != "" {
		notes["name"] = contact.Name
	}
	if contact.Email != "" {
		notes["email"] = contact.Email
	}
	if contact.Phone != "" {
		notes["phone"] = contact.Phone
	}

	return &OrderRequest{
		Amount:   minor,
		Currency: DefaultCurrency,
		Receipt:  transactionID,
		Notes:    notes,
	}, nil
}
