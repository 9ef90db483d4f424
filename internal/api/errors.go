package api

import (
	"net/http"

	"examdesk/internal/infra/razorpay"
	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/otp"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"
	"examdesk/internal/stories/subjects"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ExistingID string `json:"existing_id,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: message}})
}

// writeError maps story errors onto HTTP statuses. Anything unrecognised is
// logged and answered with a generic 500.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validationErr *razorpay.ValidationError
		gatewayErr    *razorpay.GatewayError
		bookingDup    *bookings.DuplicateError
		purchaseDup   *certificates.DuplicateError
	)

	switch {
	case errors.As(err, &bookingDup):
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{Code: "duplicate_in_progress", Message: bookingDup.Error(), ExistingID: bookingDup.ExistingID}})
	case errors.As(err, &purchaseDup):
		c.JSON(http.StatusConflict, gin.H{"error": errorBody{Code: "duplicate_in_progress", Message: purchaseDup.Error(), ExistingID: purchaseDup.ExistingID}})
	case errors.Is(err, bookings.ErrDuplicateInProgress), errors.Is(err, certificates.ErrDuplicateInProgress):
		abortWithError(c, http.StatusConflict, "duplicate_in_progress", "a purchase is already in progress")

	case errors.As(err, &validationErr):
		abortWithError(c, http.StatusBadRequest, "validation_error", validationErr.Error())
	case errors.Is(err, bookings.ErrInvalidRequest),
		errors.Is(err, certificates.ErrInvalidRequest),
		errors.Is(err, subjects.ErrInvalidSubject),
		errors.Is(err, otp.ErrInvalidEmail),
		errors.Is(err, settlement.ErrInvalidWebhook):
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, payment.ErrSignatureMismatch):
		abortWithError(c, http.StatusBadRequest, "signature_mismatch", "payment signature mismatch")

	case errors.Is(err, otp.ErrInvalidCode):
		abortWithError(c, http.StatusUnauthorized, "invalid_code", "invalid or expired code")

	case errors.Is(err, bookings.ErrNotFound),
		errors.Is(err, certificates.ErrNotFound),
		errors.Is(err, certificates.ErrResultNotFound),
		errors.Is(err, payment.ErrOrderNotFound),
		errors.Is(err, subjects.ErrAccountNotFound):
		abortWithError(c, http.StatusNotFound, "not_found", errors.Cause(err).Error())

	case errors.Is(err, bookings.ErrNotPending),
		errors.Is(err, certificates.ErrNotPending),
		errors.Is(err, bookings.ErrPaymentNotCompleted),
		errors.Is(err, certificates.ErrPaymentNotCompleted),
		errors.Is(err, payment.ErrOrderClosed):
		abortWithError(c, http.StatusConflict, "invalid_state", errors.Cause(err).Error())

	case errors.Is(err, certificates.ErrNotEligible), errors.Is(err, bookings.ErrAttemptLimit):
		abortWithError(c, http.StatusUnprocessableEntity, "not_allowed", err.Error())

	case errors.Is(err, otp.ErrRateLimited):
		abortWithError(c, http.StatusTooManyRequests, "rate_limited", "too many requests, try again later")

	case errors.As(err, &gatewayErr):
		s.logger.Error("Payment provider rejected request", "status", gatewayErr.StatusCode, "error", err)
		abortWithError(c, http.StatusBadGateway, "gateway_error", "payment provider rejected the request")
	case errors.Is(err, payment.ErrOutcomeUnknown):
		s.logger.Warn("Payment provider did not answer", "error", err)
		abortWithError(c, http.StatusBadGateway, "gateway_unavailable", "payment provider unavailable, try again later")

	default:
		s.logger.Error("Unhandled API error", "path", c.FullPath(), "error", err)
		abortWithError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
	c.Abort()
}
