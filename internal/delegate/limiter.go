package delegate

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Default admission limits.
const (
	DefaultMaxRequestsPerSecond = 10
	DefaultBurstSize            = 20
	DefaultMaxInFlight          = 16
)

// RateLimitConfig holds admission limits for delegated requests.
type RateLimitConfig struct {
	MaxRequestsPerSecond float64 `json:"max_requests_per_second" yaml:"max_requests_per_second"`
	BurstSize            int     `json:"burst_size" yaml:"burst_size"`
	MaxInFlight          int     `json:"max_in_flight" yaml:"max_in_flight"`
	Enabled              bool    `json:"enabled" yaml:"enabled"`
}

// Limiter admits delegated requests. Every request funnels through the
// listener's single connection, so one shared bucket covers all callers.
type Limiter struct {
	limiter  *rate.Limiter
	config   RateLimitConfig
	inFlight atomic.Int32
}

// NewLimiter creates a limiter. Zero values fall back to defaults.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.MaxRequestsPerSecond == 0 {
		cfg.MaxRequestsPerSecond = DefaultMaxRequestsPerSecond
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.BurstSize),
		config:  cfg,
	}
}

// Acquire admits one request. On success the returned func must be called
// when the request finishes.
func (l *Limiter) Acquire() (release func(), err error) {
	if !l.config.Enabled {
		return func() {}, nil
	}

	if n := l.inFlight.Add(1); n > int32(l.config.MaxInFlight) {
		l.inFlight.Add(-1)
		return nil, &RateLimitError{
			Code:    503,
			Message: fmt.Sprintf("too many requests in flight (%d/%d)", n-1, l.config.MaxInFlight),
		}
	}
	if !l.limiter.Allow() {
		l.inFlight.Add(-1)
		return nil, &RateLimitError{Code: 429, Message: "rate limit exceeded"}
	}
	return func() { l.inFlight.Add(-1) }, nil
}

// InFlight returns the number of admitted requests not yet released.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}
