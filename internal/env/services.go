package environment

import (
	"context"
	"log/slog"
	"time"

	"examdesk/internal/auth"
	"examdesk/internal/config"
	infraredis "examdesk/internal/infra/redis"
	"examdesk/internal/localization"
	"examdesk/internal/ratelimit"
	"examdesk/internal/storage"
	"examdesk/internal/stories/bookings"
	"examdesk/internal/stories/certificates"
	"examdesk/internal/stories/notify"
	"examdesk/internal/stories/otp"
	"examdesk/internal/stories/payment"
	"examdesk/internal/stories/settlement"
	"examdesk/internal/stories/subjects"
	"examdesk/internal/workers"
	"examdesk/internal/workers/healthcheck"
	"examdesk/internal/workers/paymentautocheck"
	"examdesk/internal/workers/ratelimitsweep"

	"github.com/pkg/errors"
)

type Services struct {
	Subjects     *subjects.Service
	Payments     *payment.Service
	Bookings     *bookings.Service
	Certificates *certificates.Service
	Settlement   *settlement.Service
	OTP          *otp.Service
	Sessions     *auth.Issuer
	Health       *healthcheck.Worker

	WorkerService *workers.Manager
}

func newServices(ctx context.Context, clients *Clients, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	var s Services

	storageImpl := storage.New(clients.DB)
	if err := storageImpl.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}

	templates, err := localization.NewService()
	if err != nil {
		return nil, errors.Wrap(err, "load mail templates")
	}
	var mailer notify.Mailer = notify.NewLogMailer(logger.WithGroup("mail"))
	if clients.MailQueue != nil {
		mailer = clients.MailQueue
	}
	notifier := notify.NewService(templates, mailer, "en", logger.WithGroup("notify"))

	s.Subjects = subjects.NewService(storageImpl)

	if cfg.Razorpay.MockPayment {
		logger.Warn("Mock payment mode enabled, orders complete without the provider")
	}
	s.Payments = payment.NewService(
		storageImpl,
		clients.Razorpay,
		cfg.Razorpay.CallbackURL(),
		cfg.Razorpay.MockPayment,
		logger.WithGroup("payment"),
	)

	s.Bookings = bookings.NewService(
		storageImpl,
		s.Payments,
		s.Subjects,
		notifier,
		cfg.Booking.Price,
		cfg.Booking.MaxAttempts,
		logger.WithGroup("bookings"),
	)

	renderer, err := certificates.NewLinkRenderer(cfg.Certificate.BaseURL)
	if err != nil {
		return nil, err
	}
	s.Certificates = certificates.NewService(
		storageImpl,
		s.Payments,
		s.Subjects,
		notifier,
		renderer,
		cfg.Certificate.Price,
		cfg.Certificate.PassPercentage,
		logger.WithGroup("certificates"),
	)

	s.Settlement = settlement.NewService(s.Payments, map[payment.Purpose]settlement.Tracker{
		payment.PurposeBooking:     s.Bookings,
		payment.PurposeCertificate: s.Certificates,
	}, cfg.Reconcile.GracePeriod, cfg.Reconcile.Expiry, logger.WithGroup("settlement"))

	s.Sessions, err = auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.SessionTTL, time.Now)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit.MaxPerEmail, cfg.RateLimit.MaxPerIP, cfg.RateLimit.Window)
	s.OTP = otp.NewService(
		infraredis.NewCodeStore(clients.Redis, "examdesk:"),
		limiter,
		s.Subjects,
		s.Sessions,
		notifier,
		otp.Settings{
			Length:      cfg.OTP.Length,
			TTL:         cfg.OTP.TTL,
			MaxAttempts: cfg.OTP.MaxAttempts,
			HashCost:    cfg.OTP.HashCost,
		},
		logger.WithGroup("otp"),
	)

	deps := map[string]healthcheck.Pinger{
		"database": storageImpl,
		"redis": healthcheck.PingFunc(func(ctx context.Context) error {
			return clients.Redis.Ping(ctx).Err()
		}),
	}
	if clients.MailQueue != nil {
		deps["rabbitmq"] = clients.MailQueue
	}
	s.Health = healthcheck.NewWorker(deps, logger.WithGroup("healthcheck"))

	s.WorkerService = workers.NewManager(logger.WithGroup("workers"),
		s.Health,
		paymentautocheck.NewWorker(s.Settlement, cfg.Reconcile.Schedule, cfg.Razorpay.MockPayment, logger.WithGroup("paymentautocheck")),
		ratelimitsweep.NewWorker(limiter, cfg.RateLimit.SweepInterval, logger.WithGroup("ratelimitsweep")),
	)

	return &s, nil
}
