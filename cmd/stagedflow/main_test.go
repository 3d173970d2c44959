package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/deepnoodle-ai/stagedflow/sim"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestLoadEnvironment(t *testing.T) {
	env, err := loadEnvironment()
	require.NoError(t, err)
	require.Equal(t, LedgerFile, env.Ledger)
	require.Equal(t, "text", env.LogFormat)

	t.Setenv("STAGEDFLOW_LEDGER", "redis")
	t.Setenv("STAGEDFLOW_LEDGER_DSN", "redis://cache:6379/1")
	t.Setenv("STAGEDFLOW_LOG_FORMAT", "json")
	env, err = loadEnvironment()
	require.NoError(t, err)
	require.Equal(t, &Environment{Ledger: "redis", LedgerDSN: "redis://cache:6379/1", LogFormat: "json"}, env)
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{"amount=100", "symbol=MATIC", "gasless=true", "note=a=b"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"amount":  float64(100),
		"symbol":  "MATIC",
		"gasless": true,
		"note":    "a=b",
	}, inputs)

	_, err = parseInputs([]string{"missing"})
	require.Error(t, err)
}

func TestParseBalances(t *testing.T) {
	balances, err := parseBalances([]string{"matic=500", "DTK=12.5"})
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"MATIC": 500, "DTK": 12.5}, balances)

	_, err = parseBalances([]string{"ETH=lots"})
	require.Error(t, err)
}

func TestParseRunFlags(t *testing.T) {
	env := &Environment{Ledger: LedgerMemory, LogFormat: "text"}

	config, err := parseRunFlags([]string{"-t", "stake-asset", "-i", "amount=5", "-balance", "MATIC=10", "-time-scale", "0.1"}, env)
	require.NoError(t, err)
	require.Equal(t, "stake-asset", config.Template)
	require.Equal(t, map[string]any{"amount": float64(5)}, config.Inputs)
	require.Equal(t, 0.1, config.TimeScale)
	require.Equal(t, LedgerMemory, config.Ledger.Backend)
	require.True(t, config.Connected)

	config, err = parseRunFlags([]string{"-template", "stake-asset", "-ledger", "file"}, env)
	require.NoError(t, err)
	require.Equal(t, LedgerFile, config.Ledger.Backend)

	_, err = parseRunFlags([]string{"-input", "amount=5"}, env)
	require.Error(t, err)
}

func TestHistoryFilter(t *testing.T) {
	now := time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	config := &HistoryConfig{
		Statuses: "Failed, cancelled",
		Types:    "stake,convert",
		Range:    stagedflow.RangeWeek,
		SortBy:   stagedflow.SortByAmount,
		Limit:    10,
	}
	f, err := config.filter(now)
	require.NoError(t, err)
	require.Equal(t, []stagedflow.Status{stagedflow.StatusFailed, stagedflow.StatusCancelled}, f.Statuses)
	require.Equal(t, []string{"stake", "convert"}, f.Types)
	require.Equal(t, now.Add(-7*24*time.Hour), f.Since)
	require.Nil(t, f.Assets)

	_, err = (&HistoryConfig{Statuses: "running"}).filter(now)
	require.Error(t, err)
	_, err = (&HistoryConfig{Range: "decade"}).filter(now)
	require.Error(t, err)
	_, err = (&HistoryConfig{SortBy: "fees"}).filter(now)
	require.Error(t, err)
}

func TestOpenLedger(t *testing.T) {
	ctx := context.Background()

	l, closeLedger, err := openLedger(ctx, LedgerConfig{Backend: LedgerMemory})
	require.NoError(t, err)
	require.IsType(t, &stagedflow.MemoryLedger{}, l)
	require.NoError(t, closeLedger())

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, _, err = openLedger(ctx, LedgerConfig{Backend: LedgerFile, DSN: path})
	require.NoError(t, err)
	require.Equal(t, path, l.(*stagedflow.FileLedger).Path())

	_, _, err = openLedger(ctx, LedgerConfig{Backend: LedgerPostgres})
	require.Error(t, err)
	_, _, err = openLedger(ctx, LedgerConfig{Backend: "sqlite"})
	require.Error(t, err)
}

func TestPrintTemplates(t *testing.T) {
	registry, err := sim.NewRegistry()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printTemplates(&buf, registry, true))
	out := buf.String()
	require.Contains(t, out, "stake-asset (stake, 4 steps")
	require.Contains(t, out, "2. Awaiting Signature [wallet]: sign")
	require.Contains(t, out, "claim-and-convert")
}

func TestPrintHistory(t *testing.T) {
	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []stagedflow.LedgerEntry{{
		Instance: &stagedflow.Instance{ID: "inst_1", Status: stagedflow.StatusSucceeded, CompletedAt: completed},
		Summary: stagedflow.Summary{
			Type:    "stake",
			Amount:  "100",
			Symbol:  "MATIC",
			Asset:   "Polygon",
			Network: "polygon-amoy",
			TxHash:  "0x1234567890abcdef1234567890abcdef",
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, printHistory(&buf, stagedflow.Sequence(entries)))
	out := buf.String()
	require.Contains(t, out, "100 MATIC")
	require.Contains(t, out, "0x123456...abcdef")
	require.Contains(t, out, "succeeded")

	buf.Reset()
	require.NoError(t, printHistory(&buf, stagedflow.Sequence(nil)))
	require.Contains(t, buf.String(), "No transactions found")
}

func TestShowResult(t *testing.T) {
	registry, err := sim.NewRegistry()
	require.NoError(t, err)
	tmpl, err := registry.Get("stake-asset")
	require.NoError(t, err)

	var buf bytes.Buffer
	inst := &stagedflow.Instance{ID: "inst_1", Status: stagedflow.StatusSucceeded, Result: "0xabc"}
	require.NoError(t, showResult(&buf, tmpl, inst, true))
	require.Contains(t, buf.String(), `"result": "0xabc"`)

	inst = &stagedflow.Instance{
		ID:     "inst_2",
		Status: stagedflow.StatusFailed,
		Error:  &stagedflow.InstanceError{Kind: stagedflow.ErrorKindUserRejected, Message: "User rejected the transaction"},
	}
	err = showResult(&buf, tmpl, inst, true)
	require.EqualError(t, err, "user_rejected: User rejected the transaction")

	inst = &stagedflow.Instance{ID: "inst_3", Status: stagedflow.StatusCancelled, CurrentStepIndex: 2}
	require.Error(t, showResult(&buf, tmpl, inst, true))
}

func TestProgressBar(t *testing.T) {
	require.Equal(t, "[..........]   0%", progressBar(0, 10))
	require.Equal(t, "[#####.....]  50%", progressBar(50, 10))
	require.Equal(t, "[##########] 100%", progressBar(100, 10))
}
