package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSlotOccupied signals the invoice already holds a collateral item.
	ErrSlotOccupied = errors.New("vault: collateral slot occupied")
	// ErrNoCollateral signals no collateral is held for the invoice.
	ErrNoCollateral = errors.New("vault: no collateral held")
)

// Item identifies one non-fungible collateral token and the party that
// deposited it.
type Item struct {
	Asset   string
	TokenID uint64
	Owner   string
}

// Custodian is the collateral-custody capability. At most one item is held per
// invoice; the release target is decided by the settlement outcome, never by
// the caller of Lock.
type Custodian interface {
	Lock(ctx context.Context, invoiceID string, item Item) error
	Release(ctx context.Context, invoiceID, to string) (Item, error)
	Held(ctx context.Context, invoiceID string) (Item, bool, error)
}

// Vault is an in-memory single-slot collateral registry keyed by invoice.
type Vault struct {
	mu    sync.Mutex
	slots map[string]Item
}

// New returns an empty Vault.
func New() *Vault {
	return &Vault{slots: make(map[string]Item)}
}

func (v *Vault) Lock(ctx context.Context, invoiceID string, item Item) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.slots[invoiceID]; ok {
		return fmt.Errorf("%w: invoice %s", ErrSlotOccupied, invoiceID)
	}
	v.slots[invoiceID] = item
	return nil
}

// Release hands the held item to the given party and frees the slot.
func (v *Vault) Release(ctx context.Context, invoiceID, to string) (Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	item, ok := v.slots[invoiceID]
	if !ok {
		return Item{}, fmt.Errorf("%w: invoice %s", ErrNoCollateral, invoiceID)
	}
	delete(v.slots, invoiceID)
	item.Owner = to
	return item, nil
}

func (v *Vault) Held(ctx context.Context, invoiceID string) (Item, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	item, ok := v.slots[invoiceID]
	return item, ok, nil
}
