package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/compliance"
	"escrowflow/fee"
	"escrowflow/funds"
	"escrowflow/vault"
)

var (
	// ErrInvalidAmount signals a non-positive escrow amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrInvalidDuration signals a non-positive escrow duration.
	ErrInvalidDuration = errors.New("escrow: duration must be positive")
	// ErrSameParty signals buyer and seller are the same address.
	ErrSameParty = errors.New("escrow: buyer and seller must differ")
	// ErrNotBuyer signals the caller is not the record's buyer.
	ErrNotBuyer = errors.New("escrow: caller is not the buyer")
	// ErrNotParty signals the caller is neither buyer nor seller.
	ErrNotParty = errors.New("escrow: caller is not a party")
	// ErrAlreadyDeposited signals funds were already pulled for the invoice.
	ErrAlreadyDeposited = errors.New("escrow: already deposited")
	// ErrNotDeposited signals the escrow is not awaiting release.
	ErrNotDeposited = errors.New("escrow: not in deposited state")
	// ErrAlreadyConfirmed signals the same party confirmed twice.
	ErrAlreadyConfirmed = errors.New("escrow: party already confirmed")
	// ErrAlreadyDisputed signals a dispute is already open for the invoice.
	ErrAlreadyDisputed = errors.New("escrow: already disputed")
	// ErrNoDisputeRaised guards against resolving a dispute twice.
	ErrNoDisputeRaised = errors.New("escrow: no dispute raised")
	// ErrEscrowExpired signals the record's deadline has passed.
	ErrEscrowExpired = errors.New("escrow: deadline passed")
	// ErrComplianceRejected signals the buyer is not KYC verified or is frozen.
	ErrComplianceRejected = errors.New("escrow: buyer rejected by compliance")
	// ErrInvalidTreasury signals an empty treasury address.
	ErrInvalidTreasury = errors.New("escrow: treasury address required")
)

// Capabilities checked at gated entry points.
const (
	CapabilityAdmin      = "admin"
	CapabilityArbitrator = "arbitrator"
)

// Authorizer answers whether an actor holds a capability. Composed at each
// gated entry point instead of layering role-forwarding contexts.
type Authorizer interface {
	Require(ctx context.Context, actor, capability string) error
}

// Params wires the collaborators of a Service.
type Params struct {
	Store      Store
	Fees       fee.Calculator
	Funds      funds.Mover
	Collateral vault.Custodian
	Gate       compliance.Gate
	Authz      Authorizer

	FeeBasisPoints int64
	Treasury       string
}

// Service is the escrow settlement state machine. Every mutating operation is
// split into three phases: validate and mutate inside Store.Mutate (which also
// appends the events), then perform external transfers only after the record
// is committed. A reentrant call during the transfer phase observes the
// already-finalized state and fails, so a payout can never run twice.
//
// Transfer failures after the state change are surfaced but the record is not
// rolled back; operators reconcile the external leg out of band.
type Service struct {
	store      Store
	fees       fee.Calculator
	funds      funds.Mover
	collateral vault.Custodian
	gate       compliance.Gate
	authz      Authorizer

	mu       sync.RWMutex
	feeBps   int64
	treasury string

	now func() time.Time
}

// NewService builds a Service from its collaborators.
func NewService(p Params) *Service {
	return &Service{
		store:      p.Store,
		fees:       p.Fees,
		funds:      p.Funds,
		collateral: p.Collateral,
		gate:       p.Gate,
		authz:      p.Authz,
		feeBps:     p.FeeBasisPoints,
		treasury:   p.Treasury,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a new escrow record in the Created state. Admin capability
// required. Collateral, when provided, is locked into the vault before the
// record persists; no funds move yet.
func (s *Service) Create(ctx context.Context, actor string, params CreateParams) (Record, error) {
	if err := s.authz.Require(ctx, actor, CapabilityAdmin); err != nil {
		return Record{}, err
	}
	if params.InvoiceID == "" {
		return Record{}, fmt.Errorf("escrow: invoice id required")
	}
	if !params.Amount.IsPositive() {
		return Record{}, fmt.Errorf("%w: got %s", ErrInvalidAmount, params.Amount)
	}
	if params.Duration <= 0 {
		return Record{}, fmt.Errorf("%w: got %s", ErrInvalidDuration, params.Duration)
	}
	if params.Buyer == "" || params.Seller == "" {
		return Record{}, fmt.Errorf("escrow: buyer and seller required")
	}
	if params.Buyer == params.Seller {
		return Record{}, ErrSameParty
	}

	now := s.now()
	rec := Record{
		InvoiceID:      params.InvoiceID,
		Seller:         params.Seller,
		Buyer:          params.Buyer,
		Amount:         params.Amount,
		FeeBasisPoints: s.FeeBasisPoints(),
		Token:          params.Token,
		Deadline:       now.Add(params.Duration),
		Collateral:     params.Collateral,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if params.Collateral != nil {
		if err := s.collateral.Lock(ctx, params.InvoiceID, *params.Collateral); err != nil {
			return Record{}, fmt.Errorf("escrow: lock collateral: %w", err)
		}
	}

	created := newEvent(rec.InvoiceID, EventCreated, actor, map[string]any{
		"seller": rec.Seller,
		"buyer":  rec.Buyer,
		"amount": rec.Amount.String(),
		"token":  rec.Token,
	})
	if err := s.store.Create(ctx, rec, created); err != nil {
		if params.Collateral != nil {
			// Free the slot so the collateral is not stranded on a failed create.
			if _, relErr := s.collateral.Release(ctx, params.InvoiceID, params.Collateral.Owner); relErr != nil {
				return Record{}, fmt.Errorf("escrow: create failed (%w) and collateral release failed: %v", err, relErr)
			}
		}
		return Record{}, err
	}
	return rec, nil
}

// Deposit pulls amount plus fee from the buyer and moves the escrow to
// Deposited. Only the record's buyer may deposit, and only while the record is
// in Created and not past its deadline.
func (s *Service) Deposit(ctx context.Context, actor, invoiceID string) (Record, error) {
	rec, err := s.store.Get(ctx, invoiceID)
	if err != nil {
		return Record{}, err
	}
	if actor != rec.Buyer {
		return Record{}, fmt.Errorf("%w: %s", ErrNotBuyer, actor)
	}

	verified, err := s.gate.IsVerified(ctx, rec.Buyer)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: compliance check: %w", err)
	}
	frozen, err := s.gate.IsFrozen(ctx, rec.Buyer)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: compliance check: %w", err)
	}
	if !verified || frozen {
		return Record{}, ErrComplianceRejected
	}

	var feeDue, totalDue decimal.Decimal
	rec, err = s.store.Mutate(ctx, invoiceID, func(r *Record) ([]Event, error) {
		if actor != r.Buyer {
			return nil, fmt.Errorf("%w: %s", ErrNotBuyer, actor)
		}
		if r.State != StateCreated {
			return nil, fmt.Errorf("%w: state %s", ErrAlreadyDeposited, r.State)
		}
		if s.now().After(r.Deadline) {
			return nil, fmt.Errorf("%w: deadline %s", ErrEscrowExpired, r.Deadline.Format(time.RFC3339))
		}

		var qerr error
		feeDue, totalDue, qerr = s.fees.Quote(r.Amount, r.FeeBasisPoints)
		if qerr != nil {
			return nil, fmt.Errorf("escrow: quote fee: %w", qerr)
		}

		r.State = StateDeposited
		r.UpdatedAt = s.now()
		return []Event{newEvent(r.InvoiceID, EventDeposited, actor, map[string]any{
			"amount": r.Amount.String(),
			"fee":    feeDue.String(),
		})}, nil
	})
	if err != nil {
		return Record{}, err
	}

	if err := s.funds.Pull(ctx, rec.Buyer, rec.Token, totalDue); err != nil {
		return rec, fmt.Errorf("escrow: pull deposit: %w", err)
	}
	return rec, nil
}

// ConfirmRelease registers a party's release confirmation. When both parties
// have confirmed, the record finalizes to Released and the payout executes:
// amount to the seller, fee to the treasury, collateral back to the buyer.
func (s *Service) ConfirmRelease(ctx context.Context, actor, invoiceID string) (Record, error) {
	var released bool
	rec, err := s.store.Mutate(ctx, invoiceID, func(r *Record) ([]Event, error) {
		if !r.Party(actor) {
			return nil, fmt.Errorf("%w: %s", ErrNotParty, actor)
		}
		switch r.State {
		case StateDeposited:
		case StateDisputed:
			return nil, ErrAlreadyDisputed
		default:
			return nil, fmt.Errorf("%w: state %s", ErrNotDeposited, r.State)
		}

		confirmed := &r.BuyerConfirmed
		if actor == r.Seller {
			confirmed = &r.SellerConfirmed
		}
		if *confirmed {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConfirmed, actor)
		}
		*confirmed = true
		r.UpdatedAt = s.now()

		events := []Event{newEvent(r.InvoiceID, EventConfirmed, actor, nil)}
		if r.BuyerConfirmed && r.SellerConfirmed {
			r.State = StateReleased
			released = true
			events = append(events, newEvent(r.InvoiceID, EventReleased, actor, map[string]any{
				"seller": r.Seller,
				"amount": r.Amount.String(),
			}))
		}
		return events, nil
	})
	if err != nil {
		return Record{}, err
	}
	if !released {
		return rec, nil
	}

	if err := s.settle(ctx, rec, rec.Seller, rec.Buyer); err != nil {
		return rec, err
	}
	return rec, nil
}

// RaiseDispute moves a deposited escrow into Disputed. Either party may raise
// it; no funds move until an arbitrator resolves.
func (s *Service) RaiseDispute(ctx context.Context, actor, invoiceID string) (Record, error) {
	return s.store.Mutate(ctx, invoiceID, func(r *Record) ([]Event, error) {
		if !r.Party(actor) {
			return nil, fmt.Errorf("%w: %s", ErrNotParty, actor)
		}
		if r.DisputeRaised || r.State == StateDisputed {
			return nil, ErrAlreadyDisputed
		}
		if r.State != StateDeposited {
			return nil, fmt.Errorf("%w: state %s", ErrNotDeposited, r.State)
		}

		r.DisputeRaised = true
		r.State = StateDisputed
		r.UpdatedAt = s.now()
		return []Event{newEvent(r.InvoiceID, EventDisputed, actor, nil)}, nil
	})
}

// settle pays out a finalized record: amount to payee, fee to treasury,
// collateral to collateralTo. The record state is already terminal when this
// runs; failures here are surfaced for out-of-band reconciliation.
func (s *Service) settle(ctx context.Context, rec Record, payee, collateralTo string) error {
	feeDue, _, err := s.fees.Quote(rec.Amount, rec.FeeBasisPoints)
	if err != nil {
		return fmt.Errorf("escrow: quote fee: %w", err)
	}

	if err := s.funds.Payout(ctx, payee, rec.Token, rec.Amount); err != nil {
		return fmt.Errorf("escrow: payout %s: %w", payee, err)
	}
	if feeDue.IsPositive() {
		if err := s.funds.Payout(ctx, s.Treasury(), rec.Token, feeDue); err != nil {
			return fmt.Errorf("escrow: payout treasury: %w", err)
		}
	}
	if rec.Collateral != nil {
		if _, err := s.collateral.Release(ctx, rec.InvoiceID, collateralTo); err != nil {
			return fmt.Errorf("escrow: release collateral: %w", err)
		}
	}
	return nil
}

// Settle executes the transfer leg for a record finalized by a collaborator
// such as the dispute resolver. The caller guarantees the record already
// committed its terminal state.
func (s *Service) Settle(ctx context.Context, rec Record, payee, collateralTo string) error {
	return s.settle(ctx, rec, payee, collateralTo)
}

// Get returns the record for an invoice.
func (s *Service) Get(ctx context.Context, invoiceID string) (Record, error) {
	return s.store.Get(ctx, invoiceID)
}

// History returns the event log for an invoice, oldest first.
func (s *Service) History(ctx context.Context, invoiceID string) ([]Event, error) {
	return s.store.Events(ctx, invoiceID)
}

// ListByParty returns every record where the address is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, party string) ([]Record, error) {
	return s.store.ListByParty(ctx, party)
}

// SetFeeBasisPoints updates the default rate snapshot into new records.
// Admin capability required.
func (s *Service) SetFeeBasisPoints(ctx context.Context, actor string, bps int64) error {
	if err := s.authz.Require(ctx, actor, CapabilityAdmin); err != nil {
		return err
	}
	if bps < 0 || bps > fee.MaxBasisPoints {
		return fmt.Errorf("%w: got %d", fee.ErrInvalidBasisPoints, bps)
	}
	s.mu.Lock()
	s.feeBps = bps
	s.mu.Unlock()
	return nil
}

// SetTreasury updates the fee destination. Admin capability required.
func (s *Service) SetTreasury(ctx context.Context, actor, treasury string) error {
	if err := s.authz.Require(ctx, actor, CapabilityAdmin); err != nil {
		return err
	}
	if strings.TrimSpace(treasury) == "" {
		return ErrInvalidTreasury
	}
	s.mu.Lock()
	s.treasury = treasury
	s.mu.Unlock()
	return nil
}

// FeeBasisPoints returns the current default rate.
func (s *Service) FeeBasisPoints() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeBps
}

// Treasury returns the current fee destination.
func (s *Service) Treasury() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.treasury
}

// Store exposes the backing store for collaborators that mutate records under
// the same serialization contract, such as the dispute resolver.
func (s *Service) Store() Store {
	return s.store
}
