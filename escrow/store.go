package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateInvoice signals an escrow already exists for the invoice.
	ErrDuplicateInvoice = errors.New("escrow: duplicate invoice")
	// ErrNotFound signals no escrow exists for the invoice.
	ErrNotFound = errors.New("escrow: not found")
)

// Store owns escrow records and their event history. Mutate serializes all
// writers of one invoice: the callback runs with the record exclusively held,
// and the updated record plus returned events persist atomically iff the
// callback returns nil. Distinct invoices proceed in parallel.
type Store interface {
	Create(ctx context.Context, rec Record, events ...Event) error
	Get(ctx context.Context, invoiceID string) (Record, error)
	Mutate(ctx context.Context, invoiceID string, fn func(*Record) ([]Event, error)) (Record, error)
	Events(ctx context.Context, invoiceID string) ([]Event, error)
	ListByParty(ctx context.Context, party string) ([]Record, error)
}

// MemoryStore keeps records in a keyed map with a per-invoice lock. It backs
// tests and single-node deployments; PGStore is the durable implementation.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	mu     sync.Mutex
	rec    Record
	events []Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record, events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.InvoiceID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInvoice, rec.InvoiceID)
	}
	s.records[rec.InvoiceID] = &memoryRecord{rec: rec, events: append([]Event(nil), events...)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, invoiceID string) (Record, error) {
	entry, err := s.lookup(invoiceID)
	if err != nil {
		return Record{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec, nil
}

func (s *MemoryStore) Mutate(ctx context.Context, invoiceID string, fn func(*Record) ([]Event, error)) (Record, error) {
	entry, err := s.lookup(invoiceID)
	if err != nil {
		return Record{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.rec
	events, err := fn(&next)
	if err != nil {
		return Record{}, err
	}
	entry.rec = next
	entry.events = append(entry.events, events...)
	return next, nil
}

func (s *MemoryStore) Events(ctx context.Context, invoiceID string) ([]Event, error) {
	entry, err := s.lookup(invoiceID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return append([]Event(nil), entry.events...), nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, party string) ([]Record, error) {
	s.mu.Lock()
	entries := make([]*memoryRecord, 0, len(s.records))
	for _, entry := range s.records {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.rec.Party(party) {
			out = append(out, entry.rec)
		}
		entry.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) lookup(invoiceID string) (*memoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[invoiceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, invoiceID)
	}
	return entry, nil
}
