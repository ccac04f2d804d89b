package escrow

import (
	"time"

	"github.com/google/uuid"
)

// Event types appended to an escrow's history. Events are emitted inside the
// same mutation that changes the record, before any external transfer runs.
const (
	EventCreated         = "escrow.created"
	EventDeposited       = "escrow.deposited"
	EventConfirmed       = "escrow.confirmed"
	EventReleased        = "escrow.released"
	EventDisputed        = "escrow.disputed"
	EventDisputeResolved = "escrow.dispute_resolved"
)

// Event captures an immutable business event for an escrow record.
type Event struct {
	ID        string
	InvoiceID string
	Type      string
	Actor     string
	Payload   map[string]any
	CreatedAt time.Time
}

// NewResolutionEvent records an arbitration outcome. Exported for the dispute
// resolver, which finalizes records under the same store contract.
func NewResolutionEvent(invoiceID, resolver string, favorSeller bool) Event {
	return newEvent(invoiceID, EventDisputeResolved, resolver, map[string]any{
		"resolver":     resolver,
		"favor_seller": favorSeller,
	})
}

func newEvent(invoiceID, eventType, actor string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		InvoiceID: invoiceID,
		Type:      eventType,
		Actor:     actor,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
