package escrow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Relayed actions a principal can trigger through the gateway. Creation and
// arbitration stay behind the authenticated operator API.
const (
	ActionDeposit        = "deposit"
	ActionConfirmRelease = "confirm_release"
	ActionRaiseDispute   = "raise_dispute"
)

type relayPayload struct {
	Action    string `json:"action"`
	InvoiceID string `json:"invoice_id"`
}

// Dispatcher adapts relayed call payloads onto the ledger's party-facing
// operations, acting as the verified signer.
type Dispatcher struct {
	svc *Service
}

// NewDispatcher wires a Dispatcher over the ledger.
func NewDispatcher(svc *Service) *Dispatcher {
	return &Dispatcher{svc: svc}
}

// Invoke decodes {action, invoice_id} and executes it as from.
func (d *Dispatcher) Invoke(ctx context.Context, from string, data []byte) error {
	var payload relayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("escrow: decode relay payload: %w", err)
	}
	if payload.InvoiceID == "" {
		return fmt.Errorf("escrow: relay payload missing invoice_id")
	}

	var err error
	switch payload.Action {
	case ActionDeposit:
		_, err = d.svc.Deposit(ctx, from, payload.InvoiceID)
	case ActionConfirmRelease:
		_, err = d.svc.ConfirmRelease(ctx, from, payload.InvoiceID)
	case ActionRaiseDispute:
		_, err = d.svc.RaiseDispute(ctx, from, payload.InvoiceID)
	default:
		err = fmt.Errorf("escrow: unknown relay action %q", payload.Action)
	}
	return err
}
