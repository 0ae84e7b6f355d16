package ratelimit

import "context"

// RateLimiter throttles remote calls per key (the service code).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
