package stagedflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger is a ledger persisted to disk as newline-delimited JSON. Each
// append is synced before it returns.
type FileLedger struct {
	path  string
	mutex sync.Mutex
	ids   map[string]struct{}
}

var _ Ledger = (*FileLedger)(nil)

// NewFileLedger opens the ledger file at path, creating its directory if
// needed. If path is empty, a file under the user's home directory is used.
func NewFileLedger(path string) (*FileLedger, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".stagedflow", "ledger.jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	l := &FileLedger{path: path, ids: map[string]struct{}{}}
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		l.ids[e.Instance.ID] = struct{}{}
	}
	return l, nil
}

// Path returns the location of the ledger file
func (l *FileLedger) Path() string {
	return l.path
}

// Append writes the entry as one JSON line
func (l *FileLedger) Append(ctx context.Context, entry LedgerEntry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.ids[entry.Instance.ID]; exists {
		return fmt.Errorf("instance %s: %w", entry.Instance.ID, ErrDuplicateEntry)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger file: %w", err)
	}
	l.ids[entry.Instance.ID] = struct{}{}
	return nil
}

// Query reads the ledger file and returns the matching entries
func (l *FileLedger) Query(ctx context.Context, filter LedgerFilter) (iter.Seq[LedgerEntry], error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	l.mutex.Lock()
	entries, err := l.readAll()
	l.mutex.Unlock()
	if err != nil {
		return nil, err
	}
	return Sequence(filter.Apply(entries)), nil
}

func (l *FileLedger) readAll() ([]LedgerEntry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}
	var entries []LedgerEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var entry LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode ledger line %d: %w", line, err)
		}
		if entry.Instance == nil {
			return nil, fmt.Errorf("ledger line %d has no instance", line)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger file: %w", err)
	}
	return entries, nil
}
