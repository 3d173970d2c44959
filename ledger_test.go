package stagedflow

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var ledgerEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEntry(id string, status Status, summary Summary, completedAt time.Time) LedgerEntry {
	return LedgerEntry{
		Instance: &Instance{
			ID:               id,
			TemplateName:     summary.Type + "-template",
			Status:           status,
			CurrentStepIndex: 0,
			CreatedAt:        completedAt.Add(-time.Minute),
			CompletedAt:      completedAt,
		},
		Summary:    summary,
		RecordedAt: completedAt,
	}
}

func sampleEntries() []LedgerEntry {
	return []LedgerEntry{
		testEntry("inst_1", StatusSucceeded, Summary{Type: "stake", Amount: "100", Symbol: "ETH", Asset: "Ethereum", Network: "ethereum", TxHash: "0xabc"}, ledgerEpoch),
		testEntry("inst_2", StatusFailed, Summary{Type: "claim", Amount: "5.5", Symbol: "DTK", Asset: "DeFi Token", Network: "polygon"}, ledgerEpoch.Add(time.Hour)),
		testEntry("inst_3", StatusSucceeded, Summary{Type: "convert", Amount: "42", Symbol: "USDC", Asset: "USD Coin", Network: "arbitrum", TxHash: "0xdef"}, ledgerEpoch.Add(2*time.Hour)),
		testEntry("inst_4", StatusCancelled, Summary{Type: "stake", Amount: "7", Symbol: "MATIC", Asset: "Polygon", Network: "polygon"}, ledgerEpoch.Add(3*time.Hour)),
	}
}

func ids(entries []LedgerEntry) []string {
	var result []string
	for _, e := range entries {
		result = append(result, e.Instance.ID)
	}
	return result
}

func TestLedgerFilterApply(t *testing.T) {
	entries := sampleEntries()

	t.Run("default order is newest first", func(t *testing.T) {
		require.Equal(t, []string{"inst_4", "inst_3", "inst_2", "inst_1"}, ids(LedgerFilter{}.Apply(entries)))
	})

	t.Run("ascending", func(t *testing.T) {
		require.Equal(t, []string{"inst_1", "inst_2", "inst_3", "inst_4"}, ids(LedgerFilter{Ascending: true}.Apply(entries)))
	})

	t.Run("sort by amount", func(t *testing.T) {
		got := LedgerFilter{SortBy: SortByAmount}.Apply(entries)
		require.Equal(t, []string{"inst_1", "inst_3", "inst_4", "inst_2"}, ids(got))
	})

	t.Run("sort by asset", func(t *testing.T) {
		got := LedgerFilter{SortBy: SortByAsset, Ascending: true}.Apply(entries)
		require.Equal(t, []string{"inst_2", "inst_1", "inst_4", "inst_3"}, ids(got))
	})

	t.Run("status and network filters", func(t *testing.T) {
		got := LedgerFilter{Statuses: []Status{StatusSucceeded}}.Apply(entries)
		require.Equal(t, []string{"inst_3", "inst_1"}, ids(got))

		got = LedgerFilter{Networks: []string{"polygon"}, Types: []string{"stake"}}.Apply(entries)
		require.Equal(t, []string{"inst_4"}, ids(got))
	})

	t.Run("search is case insensitive", func(t *testing.T) {
		require.Equal(t, []string{"inst_3"}, ids(LedgerFilter{Search: "usdc"}.Apply(entries)))
		require.Equal(t, []string{"inst_3"}, ids(LedgerFilter{Search: "0XDEF"}.Apply(entries)))
		require.Equal(t, []string{"inst_2"}, ids(LedgerFilter{Search: "FAILED"}.Apply(entries)))
		require.Equal(t, []string{"inst_4", "inst_2"}, ids(LedgerFilter{Search: "Polygon"}.Apply(entries)))
		require.Empty(t, LedgerFilter{Search: "solana"}.Apply(entries))
	})

	t.Run("time window and limit", func(t *testing.T) {
		got := LedgerFilter{
			Since: ledgerEpoch.Add(30 * time.Minute),
			Until: ledgerEpoch.Add(150 * time.Minute),
		}.Apply(entries)
		require.Equal(t, []string{"inst_3", "inst_2"}, ids(got))

		require.Equal(t, []string{"inst_4"}, ids(LedgerFilter{Limit: 1}.Apply(entries)))
	})
}

func TestLedgerFilterValidate(t *testing.T) {
	require.NoError(t, LedgerFilter{}.Validate())
	require.Error(t, LedgerFilter{SortBy: "hash"}.Validate())
	require.Error(t, LedgerFilter{Limit: -1}.Validate())
	require.Error(t, LedgerFilter{Since: ledgerEpoch, Until: ledgerEpoch.Add(-time.Second)}.Validate())
}

func TestDateRangeSince(t *testing.T) {
	since, err := DateRangeSince(RangeWeek, ledgerEpoch)
	require.NoError(t, err)
	require.Equal(t, ledgerEpoch.Add(-7*24*time.Hour), since)

	for _, preset := range []string{RangeToday, RangeMonth, RangeQuarter, RangeYear} {
		since, err := DateRangeSince(preset, ledgerEpoch)
		require.NoError(t, err)
		require.True(t, since.Before(ledgerEpoch))
	}

	_, err = DateRangeSince("decade", ledgerEpoch)
	require.Error(t, err)
}

func TestDefaultSummary(t *testing.T) {
	tmpl, err := NewTemplate(TemplateOptions{Name: "stake-asset", Kind: "stake", Steps: []*StepDefinition{{ID: "submit"}}})
	require.NoError(t, err)

	inst := &Instance{
		Input:       map[string]any{"amount": 1.5, "symbol": "ETH", "asset": "Ethereum", "network": "ethereum"},
		StepResults: map[string]any{"submit": "0x1234"},
	}
	s := DefaultSummary(tmpl, inst)
	require.Equal(t, Summary{Type: "stake", Amount: "1.5", Symbol: "ETH", Asset: "Ethereum", Network: "ethereum", TxHash: "0x1234"}, s)
	require.Equal(t, 1.5, s.AmountValue())

	inst.Result = map[string]any{"tx_hash": "0xfeed"}
	require.Equal(t, "0xfeed", DefaultSummary(tmpl, inst).TxHash)
}

func collect(t *testing.T, l Ledger, filter LedgerFilter) []LedgerEntry {
	t.Helper()
	seq, err := l.Query(context.Background(), filter)
	require.NoError(t, err)
	return slices.Collect(seq)
}

// testLedgerContract exercises the behavior every Ledger implementation shares
func testLedgerContract(t *testing.T, l Ledger) {
	ctx := context.Background()
	for _, e := range sampleEntries() {
		require.NoError(t, l.Append(ctx, e))
	}

	err := l.Append(ctx, sampleEntries()[0])
	require.True(t, errors.Is(err, ErrDuplicateEntry))

	running := testEntry("inst_5", StatusRunning, Summary{Type: "stake"}, ledgerEpoch)
	var stateErr *InvalidStateError
	require.True(t, errors.As(l.Append(ctx, running), &stateErr))

	seq, err := l.Query(ctx, LedgerFilter{Statuses: []Status{StatusSucceeded}})
	require.NoError(t, err)
	first := ids(slices.Collect(seq))
	second := ids(slices.Collect(seq))
	require.Equal(t, []string{"inst_3", "inst_1"}, first)
	require.Equal(t, first, second)

	// Entries handed out are copies
	for e := range seq {
		e.Instance.Status = StatusFailed
	}
	require.Len(t, collect(t, l, LedgerFilter{Statuses: []Status{StatusSucceeded}}), 2)

	all := collect(t, l, LedgerFilter{Ascending: true})
	require.Len(t, all, 4)
	require.Equal(t, "0xabc", all[0].Summary.TxHash)
	require.True(t, all[0].Instance.CompletedAt.Equal(ledgerEpoch))

	_, err = l.Query(ctx, LedgerFilter{SortBy: "bogus"})
	require.Error(t, err)
}

func TestMemoryLedger(t *testing.T) {
	l := NewMemoryLedger()
	testLedgerContract(t, l)
	require.Equal(t, 4, l.Len())
}

func TestFileLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "ledger.jsonl")
	l, err := NewFileLedger(path)
	require.NoError(t, err)
	require.Equal(t, path, l.Path())
	testLedgerContract(t, l)

	// Reopening sees the persisted entries and keeps rejecting duplicates
	reopened, err := NewFileLedger(path)
	require.NoError(t, err)
	require.Len(t, collect(t, reopened, LedgerFilter{}), 4)
	require.True(t, errors.Is(reopened.Append(context.Background(), sampleEntries()[1]), ErrDuplicateEntry))
}

type failingLedger struct {
	MemoryLedger
	err error
}

func (l *failingLedger) Append(ctx context.Context, entry LedgerEntry) error {
	return l.err
}

func TestWriteThroughLedger(t *testing.T) {
	t.Run("contract", func(t *testing.T) {
		testLedgerContract(t, NewWriteThroughLedger(NewMemoryLedger()))
	})

	t.Run("durable failure keeps entry visible", func(t *testing.T) {
		cause := errors.New("connection refused")
		l := NewWriteThroughLedger(&failingLedger{err: cause})
		entry := sampleEntries()[0]

		err := l.Append(context.Background(), entry)
		var perr *PersistenceError
		require.True(t, errors.As(err, &perr))
		require.Equal(t, "inst_1", perr.InstanceID)
		require.True(t, errors.Is(err, cause))

		require.Equal(t, []string{"inst_1"}, ids(collect(t, l, LedgerFilter{})))
	})

	t.Run("hydrate from durable", func(t *testing.T) {
		durable := NewMemoryLedger()
		for _, e := range sampleEntries() {
			require.NoError(t, durable.Append(context.Background(), e))
		}
		l := NewWriteThroughLedger(durable)
		require.NoError(t, l.Hydrate(context.Background()))
		require.Len(t, collect(t, l, LedgerFilter{}), 4)
	})
}
