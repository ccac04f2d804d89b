package funds

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds signals the source account cannot cover the transfer.
	ErrInsufficientFunds = errors.New("funds: insufficient balance")
	// ErrInvalidTransfer signals a non-positive transfer amount.
	ErrInvalidTransfer = errors.New("funds: transfer amount must be positive")
)

// Mover is the fund-transfer capability the settlement engine depends on.
// Pull moves tokens from a party into escrow custody; Payout moves tokens out
// of custody to a party. Implementations settle synchronously: when either
// call returns nil the transfer is final.
type Mover interface {
	Pull(ctx context.Context, from, token string, amount decimal.Decimal) error
	Payout(ctx context.Context, to, token string, amount decimal.Decimal) error
}

// custodyAccount is the internal account holding pulled escrow funds.
const custodyAccount = "escrow:custody"

type accountKey struct {
	account string
	token   string
}

// Ledger is an in-memory Mover keeping per-account token balances. It backs
// tests and single-node deployments; production wiring injects a Mover talking
// to the real token rail.
type Ledger struct {
	mu       sync.Mutex
	balances map[accountKey]decimal.Decimal
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[accountKey]decimal.Decimal)}
}

// Credit seeds an account balance. Test and bootstrap helper.
func (l *Ledger) Credit(account, token string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := accountKey{account, token}
	l.balances[key] = l.balances[key].Add(amount)
}

// Balance reports the current balance of an account for a token.
func (l *Ledger) Balance(account, token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountKey{account, token}]
}

func (l *Ledger) Pull(ctx context.Context, from, token string, amount decimal.Decimal) error {
	return l.move(from, custodyAccount, token, amount)
}

func (l *Ledger) Payout(ctx context.Context, to, token string, amount decimal.Decimal) error {
	return l.move(custodyAccount, to, token, amount)
}

func (l *Ledger) move(from, to, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidTransfer, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src := accountKey{from, token}
	if l.balances[src].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, from, l.balances[src], token, amount)
	}
	dst := accountKey{to, token}
	l.balances[src] = l.balances[src].Sub(amount)
	l.balances[dst] = l.balances[dst].Add(amount)
	return nil
}
