package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Env              string                  `env:"ENV,default=local"`
	Logger           LoggerConfig            `env:",prefix=LOGGER_"`
	Observability    ObservabilityHTTPConfig `env:",prefix=OBSERVABILITY_"`
	API              APIHTTPConfig           `env:",prefix=API_"`
	ShutdownDuration time.Duration           `env:"SHUTDOWN_DURATION,default=30s"`
	DB               DBConfig                `env:",prefix=DB_"`
	Redis            RedisConfig             `env:",prefix=REDIS_"`
	AMQP             AMQPConfig              `env:",prefix=AMQP_"`
	Razorpay         RazorpayConfig          `env:",prefix=RAZORPAY_"`
	RateLimit        RateLimitConfig         `env:",prefix=RATE_LIMIT_"`
	OTP              OTPConfig               `env:",prefix=OTP_"`
	Auth             AuthConfig              `env:",prefix=AUTH_"`
	Booking          BookingConfig           `env:",prefix=BOOKING_"`
	Certificate      CertificateConfig       `env:",prefix=CERTIFICATE_"`
	Reconcile        ReconcileConfig         `env:",prefix=RECONCILE_"`
}

// Validate checks settings that envconfig cannot express.
func (c Config) Validate() error {
	return c.Razorpay.Validate()
}

type RazorpayConfig struct {
	KeyID         string           `env:"KEY_ID,required"`
	KeySecret     string           `env:"KEY_SECRET,required"`
	WebhookSecret string           `env:"WEBHOOK_SECRET,required"`
	IsProduction  bool             `env:"IS_PRODUCTION,default=false"`
	BaseURL       string           `env:"APP_BASE_URL,default=http://localhost:8080"`
	MockPayment   bool             `env:"MOCK_PAYMENT,default=false"`
	Client        HTTPClientConfig `env:",prefix=CLIENT_"`
}

// CallbackURL is where the checkout form posts the signed payment result.
func (c RazorpayConfig) CallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/v1/payments/callback"
}

// Validate refuses test credentials and mock mode in production.
func (c RazorpayConfig) Validate() error {
	if !c.IsProduction {
		return nil
	}
	if c.MockPayment {
		return errors.New("razorpay: mock payment mode is not allowed in production")
	}
	if strings.HasPrefix(c.KeyID, "rzp_test_") {
		return errors.New("razorpay: test key id is not allowed in production")
	}
	return nil
}

type HTTPClientConfig struct {
	Scheme    string        `env:"SCHEME,default=https"`
	Host      string        `env:"HOST,default=api.razorpay.com"`
	Port      uint16        `env:"PORT,default=443"`
	Timeout   time.Duration `env:"TIMEOUT,default=30s"`
	RateLimit struct {
		Burst int     `env:"BURST,default=5"`
		RPS   float64 `env:"RPS,default=20.0"`
	} `env:",prefix=RATE_LIMIT_"`
}

func (c HTTPClientConfig) ADDR() string {
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.Host, c.Port)
}

type RateLimitConfig struct {
	MaxPerEmail   int           `env:"MAX_PER_EMAIL,default=3"`
	MaxPerIP      int           `env:"MAX_PER_IP,default=10"`
	Window        time.Duration `env:"WINDOW,default=10m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=10m"`
}

type OTPConfig struct {
	Length      int           `env:"LENGTH,default=6"`
	TTL         time.Duration `env:"TTL,default=5m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS,default=5"`
	HashCost    int           `env:"HASH_COST,default=10"`
}

type AuthConfig struct {
	JWTSecret  string        `env:"JWT_SECRET,required"`
	Issuer     string        `env:"ISSUER,default=examdesk"`
	SessionTTL time.Duration `env:"SESSION_TTL,default=12h"`
}

type BookingConfig struct {
	Price       string `env:"PRICE,default=499.50"`
	MaxAttempts int    `env:"MAX_ATTEMPTS,default=3"`
}

type CertificateConfig struct {
	Price          string  `env:"PRICE,default=199.00"`
	PassPercentage float64 `env:"PASS_PERCENTAGE,default=60"`
	BaseURL        string  `env:"BASE_URL,default=http://localhost:8080/certificates"`
}

type ReconcileConfig struct {
	Schedule    string        `env:"SCHEDULE,default=@every 1m"`
	GracePeriod time.Duration `env:"GRACE_PERIOD,default=5m"`
	Expiry      time.Duration `env:"EXPIRY,default=2h"`
}

type LoggerConfig struct {
	Level string `env:"LEVEL,default=debug"`
}

type ObservabilityHTTPConfig struct {
	Host         string        `env:"HOST,default=127.0.0.1"`
	Port         uint16        `env:"PORT,default=8383"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT,default=1m"`
}

func (a ObservabilityHTTPConfig) ADDR() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type APIHTTPConfig struct {
	Host         string        `env:"HOST,default=0.0.0.0"`
	Port         uint16        `env:"PORT,default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT,default=30s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=45s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT,default=1m"`
	// TrustedProxies lists IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty means the socket peer is the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

func (a APIHTTPConfig) ADDR() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type DBConfig struct {
	// Driver is sqlite3 or postgres.
	Driver       string        `env:"DRIVER,default=sqlite3"`
	DSN          string        `env:"DSN,default=file:examdesk.db?_busy_timeout=5000&_txlock=immediate"`
	MaxOpenConns int           `env:"MAX_OPEN_CONNS,default=25"`
	MaxIdleConns int           `env:"MAX_IDLE_CONNS,default=5"`
	MaxLifetime  time.Duration `env:"MAX_LIFETIME,default=5m"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR,default=127.0.0.1:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB,default=0"`
}

type AMQPConfig struct {
	// URL is optional; without it outgoing mail is only logged.
	URL   string `env:"URL"`
	Queue string `env:"QUEUE,default=examdesk.mail"`
}
