package stagedflow

import (
	"context"
	"iter"
)

// WriteThroughLedger records every entry in memory first and then writes it
// to a durable ledger. Queries are answered from memory, so an entry whose
// durable write failed is still visible for the life of the process.
type WriteThroughLedger struct {
	memory  *MemoryLedger
	durable Ledger
}

var _ Ledger = (*WriteThroughLedger)(nil)

// NewWriteThroughLedger returns a ledger mirroring durable in memory.
func NewWriteThroughLedger(durable Ledger) *WriteThroughLedger {
	return &WriteThroughLedger{memory: NewMemoryLedger(), durable: durable}
}

// Hydrate loads the entries already in the durable ledger into memory.
func (l *WriteThroughLedger) Hydrate(ctx context.Context) error {
	entries, err := l.durable.Query(ctx, LedgerFilter{Ascending: true})
	if err != nil {
		return err
	}
	for entry := range entries {
		if err := l.memory.Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Append records the entry in memory and then in the durable ledger. A
// durable failure is returned as a *PersistenceError; the in-memory entry
// is kept.
func (l *WriteThroughLedger) Append(ctx context.Context, entry LedgerEntry) error {
	if err := l.memory.Append(ctx, entry); err != nil {
		return err
	}
	if err := l.durable.Append(ctx, entry); err != nil {
		return &PersistenceError{InstanceID: entry.Instance.ID, Err: err}
	}
	return nil
}

// Query answers from the in-memory mirror
func (l *WriteThroughLedger) Query(ctx context.Context, filter LedgerFilter) (iter.Seq[LedgerEntry], error) {
	return l.memory.Query(ctx, filter)
}
