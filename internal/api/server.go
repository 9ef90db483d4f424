package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"examdesk/internal/auth"
	"examdesk/internal/metrics"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// Server is the public HTTP API.
type Server struct {
	otp          OTP
	bookings     Bookings
	certificates Certificates
	settlement   Settlement
	tokens       Tokens
	logger       *slog.Logger
	router       *gin.Engine
}

func NewServer(
	otp OTP,
	bookings Bookings,
	certificates Certificates,
	settlement Settlement,
	tokens Tokens,
	trustedProxies []string,
	logger *slog.Logger,
) (*Server, error) {
	router := gin.New()
	// without trusted proxies ClientIP is the socket peer, so forwarded
	// headers cannot dodge the per-IP OTP limit
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	s := &Server{
		otp:          otp,
		bookings:     bookings,
		certificates: certificates,
		settlement:   settlement,
		tokens:       tokens,
		logger:       logger,
		router:       router,
	}

	router.Use(gin.Recovery(), metrics.PrometheusMiddleware(), s.requestLogger())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/otp/request", s.handleOTPRequest)
		v1.POST("/otp/verify", s.handleOTPVerify)

		v1.POST("/payments/callback", s.handlePaymentCallback)
		v1.POST("/payments/webhook", s.handlePaymentWebhook)

		authed := v1.Group("", s.authRequired())
		authed.POST("/bookings", s.handleCreateBooking)
		authed.GET("/bookings", s.handleListBookings)
		authed.POST("/bookings/:id/cancel", s.handleCancelBooking)
		authed.POST("/certificates", s.handleCreateCertificate)
		authed.GET("/certificates/:id", s.handleGetCertificate)
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims, err := s.tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(*auth.Claims)
	return claims
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
