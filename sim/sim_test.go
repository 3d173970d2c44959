package sim

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/stretchr/testify/require"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

func newTestSimulator(r Rand, state WalletState) *Simulator {
	return New(Options{Rand: r, TimeScale: 0.001, Wallet: NewWallet(state)})
}

func connected(balances map[string]float64) WalletState {
	return WalletState{
		Installed: true,
		Connected: true,
		Address:   "0x00000000000000000000000000000000000000aa",
		Network:   "ethereum",
		Balances:  balances,
	}
}

func run(t *testing.T, s *Simulator, template string, input map[string]any) (*stagedflow.Instance, stagedflow.Ledger) {
	t.Helper()
	registry, err := NewRegistry()
	require.NoError(t, err)
	ledger := stagedflow.NewMemoryLedger()
	runner, err := stagedflow.NewRunner(stagedflow.RunnerOptions{
		Registry: registry,
		Ledger:   ledger,
		Handlers: s.Handlers(),
	})
	require.NoError(t, err)
	defer runner.Shutdown(context.Background())

	id, err := runner.Start(context.Background(), template, input)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inst, err := runner.Wait(ctx, id)
	require.NoError(t, err)
	return inst, ledger
}

func TestBuiltinTemplates(t *testing.T) {
	templates, err := BuiltinTemplates()
	require.NoError(t, err)

	kinds := map[string]string{}
	lengths := map[string]int{}
	for _, tmpl := range templates {
		kinds[tmpl.Name()] = tmpl.Kind()
		lengths[tmpl.Name()] = tmpl.Len()
	}
	require.Equal(t, map[string]string{
		"connect-wallet":    "connect",
		"switch-network":    "network",
		"gasless-setup":     "setup",
		"stake-asset":       "stake",
		"claim-and-convert": "convert",
	}, kinds)
	require.Equal(t, 4, lengths["stake-asset"])
	require.Equal(t, 4, lengths["gasless-setup"])
	require.Equal(t, 4, lengths["claim-and-convert"])

	registry, err := NewRegistry()
	require.NoError(t, err)
	stake, err := registry.Get("stake-asset")
	require.NoError(t, err)
	require.True(t, stake.Step(1).External)
	require.Equal(t, 0.1, stake.Step(1).FailureProbability)
	require.Equal(t, 38*time.Second, stake.NominalDuration())
}

func TestStakeAsset(t *testing.T) {
	t.Run("succeeds", func(t *testing.T) {
		s := newTestSimulator(FixedRand(0.99), connected(map[string]float64{"ETH": 10}))
		inst, ledger := run(t, s, "stake-asset", map[string]any{"amount": "1.5", "symbol": "ETH", "network": "ethereum"})
		require.Equal(t, stagedflow.StatusSucceeded, inst.Status)
		require.Equal(t, 3, inst.CurrentStepIndex)

		result := inst.Result.(map[string]any)
		require.Regexp(t, txHashPattern, result["tx_hash"])
		require.Equal(t, 3, result["confirmations"])
		require.Equal(t, result["tx_hash"], inst.StepResults["submit"])

		seq, err := ledger.Query(context.Background(), stagedflow.LedgerFilter{})
		require.NoError(t, err)
		for entry := range seq {
			require.Equal(t, "stake", entry.Summary.Type)
			require.Equal(t, "1.5", entry.Summary.Amount)
			require.Equal(t, result["tx_hash"], entry.Summary.TxHash)
		}
	})

	t.Run("signature rejected", func(t *testing.T) {
		s := newTestSimulator(FixedRand(0.05), connected(map[string]float64{"ETH": 10}))
		inst, _ := run(t, s, "stake-asset", map[string]any{"amount": "1", "symbol": "ETH"})
		require.Equal(t, stagedflow.StatusFailed, inst.Status)
		require.Equal(t, 1, inst.CurrentStepIndex)
		require.Equal(t, stagedflow.ErrorKindUserRejected, inst.Error.Kind)
		require.Equal(t, "User rejected the transaction signature", inst.Error.Message)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		s := newTestSimulator(FixedRand(0.99), connected(map[string]float64{"ETH": 0.5}))
		inst, _ := run(t, s, "stake-asset", map[string]any{"amount": "1", "symbol": "ETH"})
		require.Equal(t, stagedflow.StatusFailed, inst.Status)
		require.Equal(t, 0, inst.CurrentStepIndex)
		require.Equal(t, stagedflow.ErrorKindInsufficientBalance, inst.Error.Kind)
	})
}

func TestConnectWallet(t *testing.T) {
	t.Run("not installed", func(t *testing.T) {
		s := newTestSimulator(FixedRand(0.99), WalletState{})
		inst, _ := run(t, s, "connect-wallet", nil)
		require.Equal(t, stagedflow.StatusFailed, inst.Status)
		require.Equal(t, stagedflow.ErrorKindWalletUnavailable, inst.Error.Kind)
	})

	t.Run("connects", func(t *testing.T) {
		s := newTestSimulator(NewRand(7), WalletState{Installed: true, Network: "polygon"})
		s.rand = FixedRand(0.5)
		inst, _ := run(t, s, "connect-wallet", nil)
		require.Equal(t, stagedflow.StatusSucceeded, inst.Status)
		state := s.Wallet().Snapshot()
		require.True(t, state.Connected)
		require.Len(t, state.Address, 42)
		require.Equal(t, map[string]any{"address": state.Address, "network": "polygon"}, inst.Result)
	})

	t.Run("user rejects", func(t *testing.T) {
		s := newTestSimulator(FixedRand(0.01), WalletState{Installed: true})
		inst, _ := run(t, s, "connect-wallet", nil)
		require.Equal(t, stagedflow.ErrorKindUserRejected, inst.Error.Kind)
		require.False(t, s.Wallet().Snapshot().Connected)
	})
}

func TestSwitchNetwork(t *testing.T) {
	s := newTestSimulator(FixedRand(0.99), connected(nil))
	inst, _ := run(t, s, "switch-network", map[string]any{"network": "arbitrum"})
	require.Equal(t, stagedflow.StatusSucceeded, inst.Status)
	require.Equal(t, "arbitrum", s.Wallet().Snapshot().Network)

	inst, _ = run(t, s, "switch-network", map[string]any{"network": "solana"})
	require.Equal(t, stagedflow.StatusFailed, inst.Status)
	require.Equal(t, stagedflow.ErrorKindNetworkError, inst.Error.Kind)

	failing := newTestSimulator(FixedRand(0.01), connected(nil))
	inst, _ = run(t, failing, "switch-network", map[string]any{"network": "polygon"})
	require.Equal(t, stagedflow.ErrorKindNetworkError, inst.Error.Kind)
	require.Equal(t, "ethereum", failing.Wallet().Snapshot().Network)
}

func TestGaslessSetup(t *testing.T) {
	s := newTestSimulator(FixedRand(0.99), connected(map[string]float64{"DTK": 75}))
	inst, _ := run(t, s, "gasless-setup", nil)
	require.Equal(t, stagedflow.StatusSucceeded, inst.Status)
	require.Equal(t, map[string]any{
		"dtk_balance":     75.0,
		"gasless_enabled": true,
		"network":         "Polygon Amoy",
	}, inst.Result)
	state := s.Wallet().Snapshot()
	require.True(t, state.Gasless)
	require.Equal(t, "polygon-amoy", state.Network)

	low := newTestSimulator(FixedRand(0.99), connected(map[string]float64{"DTK": 5}))
	inst, _ = run(t, low, "gasless-setup", nil)
	require.Equal(t, stagedflow.StatusFailed, inst.Status)
	require.Equal(t, stagedflow.ErrorKindInsufficientBalance, inst.Error.Kind)
	require.False(t, low.Wallet().Snapshot().Gasless)
}

func TestClaimAndConvert(t *testing.T) {
	s := newTestSimulator(FixedRand(0.99), connected(nil))
	inst, _ := run(t, s, "claim-and-convert", map[string]any{"amount": 100, "symbol": "MATIC"})
	require.Equal(t, stagedflow.StatusSucceeded, inst.Status)

	swap := inst.StepResults["swap"].(map[string]any)
	require.InDelta(t, 84.25, swap["output_amount"], 1e-9)
	require.InDelta(t, 0.75, swap["total_fee"], 1e-9)

	result := inst.Result.(map[string]any)
	require.Regexp(t, txHashPattern, result["tx_hash"])
	require.InDelta(t, 84.25, s.Wallet().Balance("USDC"), 1e-9)
	require.InDelta(t, 0, s.Wallet().Balance("MATIC"), 1e-9)

	// Fees larger than the converted amount
	inst, _ = run(t, s, "claim-and-convert", map[string]any{"amount": 0.5, "symbol": "MATIC"})
	require.Equal(t, stagedflow.StatusFailed, inst.Status)
	require.Equal(t, 1, inst.CurrentStepIndex)
	require.Equal(t, stagedflow.ErrorKindInsufficientBalance, inst.Error.Kind)
}

// An unavailable swap route leaves the source balance untouched
func TestSwapFailureKeepsBalance(t *testing.T) {
	req := &stagedflow.StepRequest{
		Step:  &stagedflow.StepDefinition{ID: "swap", FailureProbability: 0.5},
		Input: map[string]any{"amount": 100.0, "symbol": "MATIC"},
	}
	s := newTestSimulator(FixedRand(0.1), connected(map[string]float64{"MATIC": 100}))

	_, err := s.swap(context.Background(), req)
	require.Equal(t, stagedflow.ErrorKindNetworkError, stagedflow.ErrorKind(err))
	require.InDelta(t, 100, s.Wallet().Balance("MATIC"), 1e-9)

	s.rand = FixedRand(0.99)
	result, err := s.swap(context.Background(), req)
	require.NoError(t, err)
	require.InDelta(t, 84.25, result.(map[string]any)["output_amount"], 1e-9)
	require.InDelta(t, 0, s.Wallet().Balance("MATIC"), 1e-9)
}

func TestConfirmTimesOut(t *testing.T) {
	// Every poll misses a block
	s := newTestSimulator(FixedRand(0.1), connected(nil))
	_, err := s.confirm(context.Background(), &stagedflow.StepRequest{
		Step: &stagedflow.StepDefinition{
			ID:                 "confirm",
			FailureProbability: 0.5,
			Parameters: map[string]any{
				"confirmations": 2,
				"poll_interval": "1s",
				"timeout":       "20s",
			},
		},
		Results: map[string]any{"submit": "0xabc"},
	})
	require.Error(t, err)
	require.Equal(t, stagedflow.ErrorKindTimeout, stagedflow.ErrorKind(err))
	require.Contains(t, err.Error(), "0xabc")
}

func TestSleepHonorsContext(t *testing.T) {
	s := New(Options{Rand: FixedRand(0.5)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRandIsDeterministic(t *testing.T) {
	a, b := NewRand(42), NewRand(42)
	for range 10 {
		require.Equal(t, a.Float64(), b.Float64())
	}
	hash := hexString(NewRand(1), 64)
	require.Regexp(t, txHashPattern, hash)
	require.Equal(t, hash, hexString(NewRand(1), 64))
	require.Equal(t, "0xffff", hexString(FixedRand(1), 4))
}
