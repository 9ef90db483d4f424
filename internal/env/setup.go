package environment

import (
	"context"
	"fmt"
	"log/slog"

	"examdesk/internal/config"
	"examdesk/internal/storage"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type closer func()

type Env struct {
	Config   *config.Config
	Logger   *slog.Logger
	Servers  *Servers
	Clients  *Clients
	Services *Services

	Closers []closer
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig(ctx context.Context) (*config.Config, *slog.Logger, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg config.Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, nil, fmt.Errorf("env processing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initLogger: %w", err)
	}
	return &cfg, logger, nil
}

func Setup(ctx context.Context) (*Env, error) {
	cfg, logger, err := LoadConfig(ctx)
	if err != nil {
		return nil, err
	}

	var e Env

	clients, err := newClients(ctx, *cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("newClients: %w", err)
	}
	e.Closers = append(e.Closers, clients.close(logger))

	services, err := newServices(ctx, clients, cfg, logger)
	if err != nil {
		clients.close(logger)()
		return nil, fmt.Errorf("newServices: %w", err)
	}

	e.Servers, err = newServers(ctx, *cfg, logger, services)
	if err != nil {
		clients.close(logger)()
		return nil, fmt.Errorf("newServers: %w", err)
	}
	e.Config = cfg
	e.Logger = logger
	e.Clients = clients
	e.Services = services

	return &e, nil
}

// Migrate applies the schema without starting anything else.
func Migrate(ctx context.Context) error {
	cfg, logger, err := LoadConfig(ctx)
	if err != nil {
		return err
	}

	db, err := OpenDB(ctx, *cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("Applying schema", "driver", db.Driver())
	return storage.New(db).Migrate(ctx)
}
