package stagedflow

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Summary is the denormalized view of an instance used for history display.
type Summary struct {
	Type    string `json:"type,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Network string `json:"network,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// AmountValue parses the amount as a float, returning zero when absent or
// malformed.
func (s Summary) AmountValue() float64 {
	v, err := strconv.ParseFloat(s.Amount, 64)
	if err != nil {
		return 0
	}
	return v
}

// LedgerEntry is an immutable snapshot of a terminal instance
type LedgerEntry struct {
	Instance   *Instance `json:"instance"`
	Summary    Summary   `json:"summary"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Timestamp is the time the entry is ordered by: the completion time of the
// instance, falling back to the time it was recorded.
func (e LedgerEntry) Timestamp() time.Time {
	if e.Instance != nil && !e.Instance.CompletedAt.IsZero() {
		return e.Instance.CompletedAt
	}
	return e.RecordedAt
}

func (e LedgerEntry) clone() LedgerEntry {
	c := e
	if e.Instance != nil {
		c.Instance = e.Instance.Clone()
	}
	return c
}

// SummaryFunc builds the ledger summary of a terminal instance
type SummaryFunc func(t *Template, inst *Instance) Summary

// DefaultSummary reads the amount, symbol, asset and network from the
// instance input and the transaction hash from the result.
func DefaultSummary(t *Template, inst *Instance) Summary {
	s := Summary{
		Type:    t.Kind(),
		Amount:  stringValue(inst.Input["amount"]),
		Symbol:  stringValue(inst.Input["symbol"]),
		Asset:   stringValue(inst.Input["asset"]),
		Network: stringValue(inst.Input["network"]),
	}
	switch r := inst.Result.(type) {
	case string:
		if strings.HasPrefix(r, "0x") {
			s.TxHash = r
		}
	case map[string]any:
		s.TxHash = stringValue(r["tx_hash"])
	}
	if s.TxHash == "" {
		if hash, ok := inst.StepResults["submit"].(string); ok {
			s.TxHash = hash
		}
	}
	return s
}

func stringValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Sort keys for ledger queries
const (
	SortByTimestamp = "timestamp"
	SortByAmount    = "amount"
	SortByAsset     = "asset"
)

// LedgerFilter selects and orders ledger entries. Empty fields match
// everything; the default order is newest first.
type LedgerFilter struct {
	Statuses  []Status
	Templates []string
	Types     []string
	Assets    []string
	Networks  []string
	Since     time.Time
	Until     time.Time
	Search    string
	SortBy    string
	Ascending bool
	Limit     int
}

// Validate checks the filter for unsupported values
func (f LedgerFilter) Validate() error {
	switch f.SortBy {
	case "", SortByTimestamp, SortByAmount, SortByAsset:
	default:
		return fmt.Errorf("unsupported sort key %q", f.SortBy)
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("until must not be before since")
	}
	return nil
}

// Match reports whether the entry passes the filter, ignoring order and limit.
func (f LedgerFilter) Match(e LedgerEntry) bool {
	inst := e.Instance
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inst.Status) {
		return false
	}
	if len(f.Templates) > 0 && !slices.Contains(f.Templates, inst.TemplateName) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Summary.Type) {
		return false
	}
	if len(f.Assets) > 0 && !slices.Contains(f.Assets, e.Summary.Asset) {
		return false
	}
	if len(f.Networks) > 0 && !slices.Contains(f.Networks, e.Summary.Network) {
		return false
	}
	ts := e.Timestamp()
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ts.After(f.Until) {
		return false
	}
	if f.Search != "" {
		query := strings.ToLower(f.Search)
		fields := []string{
			e.Summary.Type,
			string(inst.Status),
			e.Summary.Network,
			e.Summary.Asset,
			e.Summary.TxHash,
			e.Summary.Symbol,
		}
		found := false
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), query) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Apply filters, sorts and limits entries, returning a new slice.
func (f LedgerFilter) Apply(entries []LedgerEntry) []LedgerEntry {
	var result []LedgerEntry
	for _, e := range entries {
		if f.Match(e) {
			result = append(result, e)
		}
	}
	f.sort(result)
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result
}

func (f LedgerFilter) sort(entries []LedgerEntry) {
	compare := func(a, b LedgerEntry) int {
		switch f.SortBy {
		case SortByAmount:
			if c := cmpFloat(a.Summary.AmountValue(), b.Summary.AmountValue()); c != 0 {
				return c
			}
		case SortByAsset:
			if c := strings.Compare(a.Summary.Asset, b.Summary.Asset); c != 0 {
				return c
			}
		}
		if c := a.Timestamp().Compare(b.Timestamp()); c != 0 {
			return c
		}
		return strings.Compare(a.Instance.ID, b.Instance.ID)
	}
	slices.SortStableFunc(entries, func(a, b LedgerEntry) int {
		if f.Ascending {
			return compare(a, b)
		}
		return compare(b, a)
	})
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Date range presets accepted by DateRangeSince
const (
	RangeToday   = "today"
	RangeWeek    = "week"
	RangeMonth   = "month"
	RangeQuarter = "quarter"
	RangeYear    = "year"
)

var dateRanges = map[string]time.Duration{
	RangeToday:   24 * time.Hour,
	RangeWeek:    7 * 24 * time.Hour,
	RangeMonth:   30 * 24 * time.Hour,
	RangeQuarter: 90 * 24 * time.Hour,
	RangeYear:    365 * 24 * time.Hour,
}

// DateRangeSince returns the start of a named date range ending at now.
func DateRangeSince(preset string, now time.Time) (time.Time, error) {
	d, ok := dateRanges[preset]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown date range %q", preset)
	}
	return now.Add(-d), nil
}

// Ledger is the append-only history of terminal workflow outcomes.
type Ledger interface {
	// Append records a terminal instance. Entries are never updated or removed.
	Append(ctx context.Context, entry LedgerEntry) error

	// Query returns the entries matching the filter as of the time of the
	// call. The returned sequence may be ranged over any number of times.
	Query(ctx context.Context, filter LedgerFilter) (iter.Seq[LedgerEntry], error)
}

// ValidateEntry checks that an entry may be appended to a ledger.
func ValidateEntry(entry LedgerEntry) error {
	if entry.Instance == nil {
		return fmt.Errorf("ledger entry has no instance")
	}
	if !entry.Instance.Status.IsTerminal() {
		return &InvalidStateError{InstanceID: entry.Instance.ID, Operation: "record", Status: entry.Instance.Status}
	}
	return nil
}

// Sequence returns a restartable sequence over copies of the given entries.
func Sequence(entries []LedgerEntry) iter.Seq[LedgerEntry] {
	return func(yield func(LedgerEntry) bool) {
		for _, e := range entries {
			if !yield(e.clone()) {
				return
			}
		}
	}
}
