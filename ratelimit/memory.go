package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryLimiter mirrors the Redis limiter semantics for redis-less runs and
// tests. Counts are per process.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	spend   map[string]decimal.Decimal
}

type window struct {
	resetAt time.Time
	count   int64
}

// NewMemoryLimiter returns an empty MemoryLimiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[string]*window),
		spend:   make(map[string]decimal.Decimal),
	}
}

func (l *MemoryLimiter) AllowRequest(ctx context.Context, principal string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windows[principal]
	if w == nil || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.windows[principal] = w
	}
	w.count++
	if w.count > l.cfg.RequestsPerWindow {
		return fmt.Errorf("%w: %d requests in window", ErrRateLimitExceeded, w.count)
	}
	return nil
}

func (l *MemoryLimiter) SpendBudget(ctx context.Context, principal string, cost decimal.Decimal) error {
	if !cost.IsPositive() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := dayKey(l.now()) + ":" + principal
	total := l.spend[key].Add(cost)
	if total.GreaterThan(l.cfg.DailyBudget) {
		return fmt.Errorf("%w: spend %s budget %s", ErrDailyBudgetExceeded, total, l.cfg.DailyBudget)
	}
	l.spend[key] = total
	return nil
}
