package razorpay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"examdesk/internal/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const instrumentationName = "examdesk/internal/infra/razorpay"

// Payment statuses reported by GET /v1/payments/{id}.
const (
	PaymentCreated    = "created"
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentRefunded   = "refunded"
	PaymentFailed     = "failed"
)

type Options struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	RPS           float64
	Burst         int
}

// Payment is the subset of the provider payment entity the service reads.
type Payment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	ErrorDescription string `json:"error_description"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client talks to the Razorpay REST API.
type Client struct {
	http          *resty.Client
	breaker       *gobreaker.CircuitBreaker
	limiter       *rate.Limiter
	tracer        trace.Tracer
	requests      metric.Int64Counter
	keyID         string
	keySecret     string
	webhookSecret string
	logger        *slog.Logger
}

// NewClient creates a new Razorpay client wrapper
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.KeyID == "" || opts.KeySecret == "" {
		return nil, fmt.Errorf("razorpay key id and secret are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetBasicAuth(opts.KeyID, opts.KeySecret).
		SetHeader("Content-Type", "application/json").
		SetTimeout(opts.Timeout).
		SetRetryCount(0)

	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("razorpay.requests",
		metric.WithDescription("Calls made to the Razorpay API by operation and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}

	return &Client{
		http:          httpClient,
		breaker:       newBreaker("razorpay", logger),
		limiter:       rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		tracer:        otel.Tracer(instrumentationName),
		requests:      requests,
		keyID:         opts.KeyID,
		keySecret:     opts.KeySecret,
		webhookSecret: opts.WebhookSecret,
		logger:        logger,
	}, nil
}

func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			state := float64(0)
			switch to {
			case gobreaker.StateOpen:
				state = 1
			case gobreaker.StateHalfOpen:
				state = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(cbName).Set(state)
			logger.Warn("Circuit breaker state changed",
				"circuit", cbName,
				"from", from.String(),
				"to", to.String())
		},
	})
}

func (c *Client) KeyID() string {
	return c.keyID
}

func (c *Client) PrepareOrder(transactionID, amount, description string, contact Contact) (*OrderRequest, error) {
	return PrepareOrder(transactionID, amount, description, contact)
}

// CreateOrder registers an order with the provider and returns its id.
// Non-2xx responses come back as *GatewayError. Nothing is retried.
func (c *Client) CreateOrder(ctx context.Context, req *OrderRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "razorpay.CreateOrder", trace.WithAttributes(
		attribute.String("razorpay.receipt", req.Receipt),
		attribute.Int64("razorpay.amount", req.Amount),
	))
	defer span.End()

	c.logger.Info("Creating order in Razorpay", "receipt", req.Receipt, "amount", req.Amount, "currency", req.Currency)

	body, err := c.do(ctx, "create_order", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(req).Post("/v1/orders")
	})
	if err != nil {
		c.fail(span, err)
		c.logger.Error("Failed to create order in Razorpay", "error", err, "receipt", req.Receipt)
		return "", fmt.Errorf("failed to create order: %w", err)
	}

	var out orderResponse
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		gwErr := &GatewayError{StatusCode: http.StatusOK, Body: string(body)}
		c.fail(span, gwErr)
		return "", fmt.Errorf("failed to create order: %w", gwErr)
	}

	span.SetAttributes(attribute.String("razorpay.order_id", out.ID))
	c.logger.Info("Order created successfully in Razorpay", "order_id", out.ID, "receipt", req.Receipt)
	return out.ID, nil
}

// GetPayment gets payment status from Razorpay
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, span := c.tracer.Start(ctx, "razorpay.GetPayment", trace.WithAttributes(
		attribute.String("razorpay.payment_id", paymentID),
	))
	defer span.End()

	body, err := c.do(ctx, "get_payment", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetPathParam("id", paymentID).Get("/v1/payments/{id}")
	})
	if err != nil {
		c.fail(span, err)
		c.logger.Error("Failed to get payment status", "error", err, "payment_id", paymentID)
		return nil, fmt.Errorf("failed to get payment status: %w", err)
	}

	var out Payment
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		gwErr := &GatewayError{StatusCode: http.StatusOK, Body: string(body)}
		c.fail(span, gwErr)
		return nil, fmt.Errorf("failed to get payment status: %w", gwErr)
	}

	c.logger.Info("Payment status retrieved", "payment_id", paymentID, "status", out.Status)
	return &out, nil
}

// ListOrderPayments returns every payment attempt made against an order.
func (c *Client) ListOrderPayments(ctx context.Context, orderID string) ([]Payment, error) {
	ctx, span := c.tracer.Start(ctx, "razorpay.ListOrderPayments", trace.WithAttributes(
		attribute.String("razorpay.order_id", orderID),
	))
	defer span.End()

	body, err := c.do(ctx, "list_order_payments", func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetPathParam("id", orderID).Get("/v1/orders/{id}/payments")
	})
	if err != nil {
		c.fail(span, err)
		c.logger.Error("Failed to list order payments", "error", err, "order_id", orderID)
		return nil, fmt.Errorf("failed to list order payments: %w", err)
	}

	var out struct {
		Items []Payment `json:"items"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		gwErr := &GatewayError{StatusCode: http.StatusOK, Body: string(body)}
		c.fail(span, gwErr)
		return nil, fmt.Errorf("failed to list order payments: %w", gwErr)
	}

	return out.Items, nil
}

func (c *Client) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return VerifyPaymentSignature(c.keySecret, orderID, paymentID, signature)
}

func (c *Client) VerifyWebhookSignature(payload []byte, signature, timestamp string) bool {
	return VerifyWebhookSignature(c.webhookSecret, payload, signature, timestamp)
}

// do runs one request through the limiter and the breaker. Only transport
// errors and 5xx responses count against the breaker.
func (c *Client) do(ctx context.Context, operation string, call func() (*resty.Response, error)) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.count(ctx, operation, "throttled")
		return nil, fmt.Errorf("rate limiting: %w", err)
	}

	var clientErr *GatewayError
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := call()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, &GatewayError{StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		if resp.IsError() {
			clientErr = &GatewayError{StatusCode: resp.StatusCode(), Body: resp.String()}
			return nil, nil
		}
		return resp.Body(), nil
	})
	switch {
	case err != nil:
		c.count(ctx, operation, "error")
		return nil, err
	case clientErr != nil:
		c.count(ctx, operation, "rejected")
		return nil, clientErr
	}

	c.count(ctx, operation, "ok")
	return result.([]byte), nil
}

func (c *Client) count(ctx context.Context, operation, outcome string) {
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (c *Client) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
