package ratelimitsweep

type (
	// Limiter drops timestamps that left the window and reports the keys left
	Limiter interface {
		Sweep() int
	}
)
