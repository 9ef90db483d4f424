package api

import (
	"net/http"

	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOTPRequest(c *gin.Context) {
	var req otpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.otp.Request(c.Request.Context(), req.Email, c.ClientIP()); err != nil {
		s.writeError(c, err)
		return
	}

	// Same answer whether or not the address is known.
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) handleOTPVerify(c *gin.Context) {
	var req otpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	session, err := s.otp.Verify(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		Kind:      string(session.Account.Kind),
		SapID:     session.Account.SapID,
	})
}

func (s *Server) handleCreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	initiation, err := s.bookings.Initiate(c.Request.Context(), claimsFrom(c).Ref(), req.TestID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, initiationResponse{
		Booking:  lo.ToPtr(newBookingResponse(initiation.Booking)),
		Checkout: initiation.Checkout,
	})
}

func (s *Server) handleListBookings(c *gin.Context) {
	list, err := s.bookings.List(c.Request.Context(), claimsFrom(c).Ref())
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": lo.Map(list, func(b *bookings.Booking, _ int) bookingResponse {
			return newBookingResponse(b)
		}),
	})
}

func (s *Server) handleCancelBooking(c *gin.Context) {
	booking, err := s.bookings.Cancel(c.Request.Context(), claimsFrom(c).Ref(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newBookingResponse(booking))
}

func (s *Server) handleCreateCertificate(c *gin.Context) {
	var req createCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	initiation, err := s.certificates.Initiate(c.Request.Context(), claimsFrom(c).Ref(), req.TestResultID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, initiationResponse{
		Purchase: lo.ToPtr(newPurchaseResponse(initiation.Purchase)),
		Checkout: initiation.Checkout,
	})
}

func (s *Server) handleGetCertificate(c *gin.Context) {
	purchase, err := s.certificates.Get(c.Request.Context(), claimsFrom(c).Ref(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPurchaseResponse(purchase))
}

func (s *Server) handlePaymentCallback(c *gin.Context) {
	var req checkoutCallback
	if err := c.ShouldBind(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := s.settlement.ConfirmCheckout(c.Request.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		if errors.Is(err, payment.ErrSignatureMismatch) {
			s.logger.Warn("Checkout callback signature mismatch",
				"provider_order_id", req.OrderID,
				"provider_payment_id", req.PaymentID,
				"client_ip", c.ClientIP(),
			)
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPaymentResponse(order))
}

// handlePaymentWebhook answers 2xx for anything the provider should not
// redeliver.
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	body, err := readLimited(c, maxWebhookBody)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	err = s.settlement.HandleWebhook(c.Request.Context(), body,
		c.GetHeader("X-Razorpay-Signature"),
		c.GetHeader("X-Razorpay-Timestamp"),
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, payment.ErrOrderNotFound),
		errors.Is(err, bookings.ErrNotPending),
		errors.Is(err, certificates.ErrNotPending):
		s.logger.Warn("Webhook acknowledged without effect", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case errors.Is(err, payment.ErrSignatureMismatch), errors.Is(err, settlement.ErrInvalidWebhook):
		s.writeError(c, err)
	default:
		s.logger.Error("Webhook processing failed", "error", err)
		abortWithError(c, http.StatusInternalServerError, "internal_error", "retry later")
	}
}

func readLimited(c *gin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	return c.GetRawData()
}
