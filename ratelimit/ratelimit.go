package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateLimitExceeded signals too many requests inside the window.
	// Transient: retryable after the window elapses.
	ErrRateLimitExceeded = errors.New("ratelimit: request rate exceeded")
	// ErrDailyBudgetExceeded signals the principal's cumulative relay fee
	// spend for the day is exhausted.
	ErrDailyBudgetExceeded = errors.New("ratelimit: daily fee budget exceeded")
)

// Limiter throttles relayed requests per principal: a request counter over a
// fixed window and a cumulative fee-spend cap per UTC day.
type Limiter interface {
	AllowRequest(ctx context.Context, principal string) error
	SpendBudget(ctx context.Context, principal string, cost decimal.Decimal) error
}

// Config carries the shared limiter thresholds.
type Config struct {
	RequestsPerWindow int64
	Window            time.Duration
	DailyBudget       decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = 30
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.DailyBudget.IsZero() {
		c.DailyBudget = decimal.NewFromInt(1_000_000)
	}
	return c
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
