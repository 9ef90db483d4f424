package environment

import (
	"context"
	"log/slog"

	"examdesk/internal/config"
	"examdesk/internal/infra/database"
	"examdesk/internal/infra/rabbitmq"
	"examdesk/internal/infra/razorpay"
	infraredis "examdesk/internal/infra/redis"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

type Clients struct {
	DB       *database.DB
	Redis    *goredis.Client
	Razorpay *razorpay.Client
	// MailQueue is nil when no AMQP URL is configured.
	MailQueue *rabbitmq.Publisher
}

func newClients(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Clients, error) {
	var c Clients

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.DB = db

	c.Redis, err = infraredis.New(ctx, infraredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		c.close(logger)()
		return nil, err
	}

	c.Razorpay, err = razorpay.NewClient(razorpay.Options{
		KeyID:         cfg.Razorpay.KeyID,
		KeySecret:     cfg.Razorpay.KeySecret,
		WebhookSecret: cfg.Razorpay.WebhookSecret,
		BaseURL:       cfg.Razorpay.Client.ADDR(),
		Timeout:       cfg.Razorpay.Client.Timeout,
		RPS:           cfg.Razorpay.Client.RateLimit.RPS,
		Burst:         cfg.Razorpay.Client.RateLimit.Burst,
	}, logger.WithGroup("razorpay"))
	if err != nil {
		c.close(logger)()
		return nil, errors.Wrap(err, "failed to create razorpay client")
	}

	if cfg.AMQP.URL != "" {
		c.MailQueue, err = rabbitmq.NewPublisher(ctx, cfg.AMQP.URL, cfg.AMQP.Queue, logger.WithGroup("rabbitmq"))
		if err != nil {
			c.close(logger)()
			return nil, err
		}
	} else {
		logger.Warn("AMQP_URL not set, outgoing mail is only logged")
	}

	return &c, nil
}

// OpenDB connects to the configured database without migrating it.
func OpenDB(ctx context.Context, cfg config.Config) (*database.DB, error) {
	opts := []database.Option{
		database.WithDriver(cfg.DB.Driver),
		database.WithDSN(cfg.DB.DSN),
		database.WithMaxOpenConns(cfg.DB.MaxOpenConns),
		database.WithMaxIdleConns(cfg.DB.MaxIdleConns),
		database.WithConnMaxLifetime(cfg.DB.MaxLifetime),
	}

	return database.New(ctx, opts...)
}

func (c *Clients) close(logger *slog.Logger) closer {
	return func() {
		if c.MailQueue != nil {
			if err := c.MailQueue.Close(); err != nil {
				logger.Error("Failed to close mail queue", "error", err)
			}
		}
		if c.Redis != nil {
			if err := c.Redis.Close(); err != nil {
				logger.Error("Failed to close redis", "error", err)
			}
		}
		if c.DB != nil {
			if err := c.DB.Close(); err != nil {
				logger.Error("Failed to close database", "error", err)
			}
		}
	}
}
