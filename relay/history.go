package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGHistory persists spend records in the relay_spend table.
type PGHistory struct {
	pool *pgxpool.Pool
}

// NewPGHistory wires a pgxpool-backed History.
func NewPGHistory(pool *pgxpool.Pool) *PGHistory {
	return &PGHistory{pool: pool}
}

func (h *PGHistory) Append(ctx context.Context, rec SpendRecord) error {
	const insert = `
		INSERT INTO relay_spend (id, principal, tx_hash, gas_cost, target, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := h.pool.Exec(ctx, insert,
		rec.ID, rec.Principal, rec.TxHash, rec.GasCost.String(), rec.Target, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("relay: insert spend: %w", err)
	}
	return nil
}

func (h *PGHistory) List(ctx context.Context, principal string, from, to time.Time, limit int) ([]SpendRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, principal, tx_hash, gas_cost::text, target, created_at
		FROM relay_spend
		WHERE principal = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4
	`
	rows, err := h.pool.Query(ctx, query, principal, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("relay: list spend: %w", err)
	}
	defer rows.Close()

	out := make([]SpendRecord, 0, limit)
	for rows.Next() {
		var rec SpendRecord
		var gas string
		if err := rows.Scan(&rec.ID, &rec.Principal, &rec.TxHash, &gas, &rec.Target, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("relay: scan spend: %w", err)
		}
		rec.GasCost, err = decimal.NewFromString(gas)
		if err != nil {
			return nil, fmt.Errorf("relay: parse gas cost: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay: iterate spend: %w", err)
	}
	return out, nil
}

// MemoryHistory keeps spend records in memory for tests and redis-less runs.
type MemoryHistory struct {
	mu      sync.Mutex
	records []SpendRecord
}

// NewMemoryHistory returns an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(ctx context.Context, rec SpendRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *MemoryHistory) List(ctx context.Context, principal string, from, to time.Time, limit int) ([]SpendRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]SpendRecord, 0, 8)
	for _, rec := range h.records {
		if rec.Principal != principal || rec.CreatedAt.Before(from) || rec.CreatedAt.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
