package healthcheck

import (
	"context"
)

type (
	// Pinger is a dependency the service cannot work without
	Pinger interface {
		Ping(ctx context.Context) error
	}
)

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}
