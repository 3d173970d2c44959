package stagedflow

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// MemoryLedger keeps entries in memory. Append never fails for valid
// terminal entries.
type MemoryLedger struct {
	mutex   sync.RWMutex
	entries []LedgerEntry
	ids     map[string]struct{}
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: map[string]struct{}{}}
}

// Append records a terminal instance
func (l *MemoryLedger) Append(ctx context.Context, entry LedgerEntry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.ids[entry.Instance.ID]; exists {
		return fmt.Errorf("instance %s: %w", entry.Instance.ID, ErrDuplicateEntry)
	}
	l.ids[entry.Instance.ID] = struct{}{}
	l.entries = append(l.entries, entry.clone())
	return nil
}

// Query returns the matching entries as of the time of the call
func (l *MemoryLedger) Query(ctx context.Context, filter LedgerFilter) (iter.Seq[LedgerEntry], error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	l.mutex.RLock()
	snapshot := make([]LedgerEntry, len(l.entries))
	copy(snapshot, l.entries)
	l.mutex.RUnlock()

	return Sequence(filter.Apply(snapshot)), nil
}

// Len returns the number of recorded entries
func (l *MemoryLedger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.entries)
}
