package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/vault"
)

// State is the settlement lifecycle position of an escrow record.
type State string

const (
	StateCreated   State = "created"
	StateDeposited State = "deposited"
	StateReleased  State = "released"
	StateDisputed  State = "disputed"
	StateResolved  State = "resolved"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateResolved
}

// Record mirrors the escrows table. It is the authoritative state for one
// buyer/seller/amount agreement and is never deleted; terminal states are
// retained for audit.
type Record struct {
	InvoiceID       string
	Seller          string
	Buyer           string
	Amount          decimal.Decimal
	FeeBasisPoints  int64
	Token           string
	Deadline        time.Time
	Collateral      *vault.Item
	State           State
	SellerConfirmed bool
	BuyerConfirmed  bool

	DisputeRaised      bool
	DisputeResolver    string
	DisputeFavorSeller bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Party reports whether addr is the record's buyer or seller.
func (r Record) Party(addr string) bool {
	return addr == r.Buyer || addr == r.Seller
}

// CreateParams carries the inputs for a new escrow record.
type CreateParams struct {
	InvoiceID  string
	Seller     string
	Buyer      string
	Amount     decimal.Decimal
	Token      string
	Duration   time.Duration
	Collateral *vault.Item
}
