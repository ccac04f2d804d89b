package dispute

import (
	"context"
	"time"

	"escrowflow/escrow"
)

// Ledger is the slice of the escrow engine the resolver needs: serialized
// access to records plus the transfer leg for a finalized outcome.
type Ledger interface {
	Store() escrow.Store
	Settle(ctx context.Context, rec escrow.Record, payee, collateralTo string) error
}

// Resolver arbitrates open disputes. It holds no state of its own; outcomes
// are written into the escrow record before any transfer runs.
type Resolver struct {
	ledger Ledger
	authz  escrow.Authorizer
}

// NewResolver wires a Resolver over the escrow ledger.
func NewResolver(ledger Ledger, authz escrow.Authorizer) *Resolver {
	return &Resolver{ledger: ledger, authz: authz}
}

// Resolve closes a raised dispute. Arbitrator capability required.
//
// The first action inside the record mutation is to check and clear
// DisputeRaised: that cleared flag is the whole defense against double
// resolution, so a second call for the same invoice fails with
// ErrNoDisputeRaised before any transfer is attempted. Only after the Resolved
// state and the resolution event are committed does the payout execute:
// favorSeller pays the seller and returns collateral to the buyer, otherwise
// the buyer is refunded and collateral goes to the seller. The fee stays with
// the treasury either way.
func (r *Resolver) Resolve(ctx context.Context, arbitrator, invoiceID string, favorSeller bool) (escrow.Record, error) {
	if err := r.authz.Require(ctx, arbitrator, escrow.CapabilityArbitrator); err != nil {
		return escrow.Record{}, err
	}

	rec, err := r.ledger.Store().Mutate(ctx, invoiceID, func(rec *escrow.Record) ([]escrow.Event, error) {
		if !rec.DisputeRaised {
			return nil, escrow.ErrNoDisputeRaised
		}
		rec.DisputeRaised = false
		rec.DisputeResolver = arbitrator
		rec.DisputeFavorSeller = favorSeller
		rec.State = escrow.StateResolved
		rec.UpdatedAt = time.Now().UTC()

		return []escrow.Event{escrow.NewResolutionEvent(rec.InvoiceID, arbitrator, favorSeller)}, nil
	})
	if err != nil {
		return escrow.Record{}, err
	}

	payee, collateralTo := rec.Seller, rec.Buyer
	if !favorSeller {
		payee, collateralTo = rec.Buyer, rec.Seller
	}
	if err := r.ledger.Settle(ctx, rec, payee, collateralTo); err != nil {
		return rec, err
	}
	return rec, nil
}
