package environment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"examdesk/internal/api"
	"examdesk/internal/config"
)

type Servers struct {
	HTTP struct {
		Observability *http.Server
		API           *http.Server
	}
}

func newServers(ctx context.Context, cfg config.Config, logger *slog.Logger, services *Services) (*Servers, error) {
	var servers Servers

	apiServer, err := api.NewServer(
		services.OTP,
		services.Bookings,
		services.Certificates,
		services.Settlement,
		services.Sessions,
		cfg.API.TrustedProxies,
		logger.WithGroup("api"),
	)
	if err != nil {
		return nil, fmt.Errorf("api.NewServer: %w", err)
	}

	servers.HTTP.API = &http.Server{
		Handler:           apiServer.Handler(),
		Addr:              cfg.API.ADDR(),
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
		ReadHeaderTimeout: cfg.API.ReadTimeout,
	}
	servers.HTTP.Observability = initObservability(ctx, logger.WithGroup("http"), services, cfg)

	return &servers, nil
}
