package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal tracks total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examdesk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration tracks HTTP request duration
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// CircuitBreakerState tracks circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "examdesk_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"circuit_name"},
	)

	// PaymentOrdersTotal counts payment order transitions by purpose
	PaymentOrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examdesk_payment_orders_total",
			Help: "Payment orders by purpose and resulting status",
		},
		[]string{"purpose", "status"},
	)

	// OTPRequestsTotal counts OTP requests by outcome
	OTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examdesk_otp_requests_total",
			Help: "OTP requests by outcome",
		},
		[]string{"outcome"},
	)

	ReconciledOrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examdesk_reconciled_orders_total",
			Help: "Pending orders settled by the reconcile worker",
		},
		[]string{"outcome"},
	)

	RateLimiterKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "examdesk_rate_limiter_keys",
			Help: "Keys held by the OTP rate limiter after the last sweep",
		},
	)
)

// PrometheusMiddleware creates a Gin middleware for automatic metrics collection
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		RequestsTotal.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

// DependencyUp is 1 while the named dependency answers its health check.
var DependencyUp = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "examdesk_dependency_up",
		Help: "Whether a dependency passed its last health check",
	},
	[]string{"dependency"},
)
