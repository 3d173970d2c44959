// Package sim provides step handlers that simulate a browser wallet and the
// chains behind it. They reproduce the timing and failure rates of the
// rewards hub flows so that templates can be exercised without a network.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/deepnoodle-ai/stagedflow/retry"
	"github.com/deepnoodle-ai/stagedflow/script"
)

// Conversion defaults used by the swap handler
const (
	DefaultConversionRate = 0.85
	DefaultSwapFee        = 0.25
	DefaultNetworkFee     = 0.15
	DefaultCrossChainFee  = 0.35
)

// Options configures a Simulator
type Options struct {
	// Rand drives failure injection and generated hashes. Defaults to a
	// time-seeded source.
	Rand Rand

	// TimeScale multiplies every simulated delay. Zero means real time.
	TimeScale float64

	// Wallet is the simulated wallet. Defaults to an installed wallet on
	// Ethereum with no balances.
	Wallet *Wallet

	// Compiler compiles the expressions of script steps
	Compiler script.Compiler
}

// Simulator owns the shared wallet and randomness of the simulated handlers
type Simulator struct {
	rand     Rand
	scale    float64
	wallet   *Wallet
	compiler script.Compiler
}

// New returns a new Simulator
func New(opts Options) *Simulator {
	if opts.Rand == nil {
		opts.Rand = NewRand(uint64(time.Now().UnixNano()))
	}
	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}
	if opts.Wallet == nil {
		opts.Wallet = NewWallet(WalletState{Installed: true, Network: "ethereum"})
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorEngine(script.DefaultGlobals())
	}
	return &Simulator{
		rand:     opts.Rand,
		scale:    opts.TimeScale,
		wallet:   opts.Wallet,
		compiler: opts.Compiler,
	}
}

// Wallet returns the simulated wallet
func (s *Simulator) Wallet() *Wallet {
	return s.wallet
}

// Handlers returns every simulated handler, ready to pass to a runner
func (s *Simulator) Handlers() []stagedflow.Handler {
	return []stagedflow.Handler{
		stagedflow.HandlerFunc("connect_wallet", s.connectWallet),
		stagedflow.HandlerFunc("switch_network", s.switchNetwork),
		stagedflow.HandlerFunc("verify_network", s.verifyNetwork),
		stagedflow.HandlerFunc("check_balance", s.checkBalance),
		stagedflow.HandlerFunc("enable_gasless", s.enableGasless),
		stagedflow.HandlerFunc("sign", s.sign),
		stagedflow.HandlerFunc("submit", s.submit),
		stagedflow.HandlerFunc("confirm", s.confirm),
		stagedflow.TypedHandlerFunc("claim", s.claim),
		stagedflow.HandlerFunc("swap", s.swap),
		stagedflow.TypedHandlerFunc("transfer", s.transfer),
		stagedflow.HandlerFunc("deposit", s.deposit),
		NewScriptHandler("script", s.compiler),
	}
}

// pause waits for the simulated duration of the step: the "delay"
// parameter if present, otherwise its nominal duration.
func (s *Simulator) pause(ctx context.Context, req *stagedflow.StepRequest) error {
	d, err := durationParam(req, "delay", req.Step.NominalDuration)
	if err != nil {
		return err
	}
	return s.sleep(ctx, d)
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	d = s.scaled(d)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * s.scale)
}

// injectFailure reports whether the step should fail this time
func (s *Simulator) injectFailure(req *stagedflow.StepRequest) bool {
	p := req.Step.FailureProbability
	return p > 0 && s.rand.Float64() < p
}

func (s *Simulator) connectWallet(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	if !s.wallet.Snapshot().Installed {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindWalletUnavailable,
			"MetaMask is not installed. Please install MetaMask to continue.")
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindUserRejected, "User rejected the connection request")
	}
	address := hexString(s.rand, 40)
	var state WalletState
	s.wallet.update(func(w *WalletState) error {
		if w.Address == "" {
			w.Address = address
		}
		w.Connected = true
		state = *w
		return nil
	})
	stagedflow.LoggerFromContext(ctx).Info("wallet connected", "address", state.Address)
	return map[string]any{"address": state.Address, "network": state.Network}, nil
}

func (s *Simulator) switchNetwork(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	name := stringParam(req, "network", "")
	network, err := lookupNetwork(name)
	if err != nil {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, err.Error())
	}
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, "Failed to switch network. Please try again.")
	}
	s.wallet.update(func(w *WalletState) error {
		w.Network = name
		return nil
	})
	return map[string]any{"network": name, "chain_id": network.ChainID}, nil
}

func (s *Simulator) verifyNetwork(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	name := stringParam(req, "network", "")
	network, err := lookupNetwork(name)
	if err != nil {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, err.Error())
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	autoSwitch := boolParam(req, "auto_switch")
	err = s.wallet.update(func(w *WalletState) error {
		if w.Network == name {
			return nil
		}
		if !autoSwitch {
			return stagedflow.NewStepError(stagedflow.ErrorKindNetworkError,
				fmt.Sprintf("wallet is connected to %s, expected %s", w.Network, network.Name))
		}
		w.Network = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	return network.Name, nil
}

func (s *Simulator) checkBalance(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	symbol := stringParam(req, "symbol", "")
	if symbol == "" {
		return nil, fmt.Errorf("check_balance requires a symbol")
	}
	minimum, err := floatParam(req, "min_balance", 0)
	if err != nil {
		return nil, err
	}
	if _, ok := req.Step.Parameters["min_balance"]; !ok {
		// Without an explicit minimum the balance must cover the amount
		if minimum, err = floatParam(req, "amount", 0); err != nil {
			return nil, err
		}
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	balance := s.wallet.Balance(symbol)
	if balance < minimum {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindInsufficientBalance,
			fmt.Sprintf("Insufficient %s balance: have %.4f, need %.4f", symbol, balance, minimum))
	}
	return balance, nil
}

func (s *Simulator) enableGasless(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindUserRejected, "User rejected the gasless configuration")
	}
	s.wallet.update(func(w *WalletState) error {
		w.Gasless = true
		return nil
	})
	return true, nil
}

func (s *Simulator) sign(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindUserRejected, "User rejected the transaction signature")
	}
	return hexString(s.rand, 130), nil
}

func (s *Simulator) submit(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, "Failed to broadcast transaction")
	}
	return hexString(s.rand, 64), nil
}

// confirm polls for block confirmations of the submitted transaction until
// the required number is reached or its timeout expires.
func (s *Simulator) confirm(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	required, err := floatParam(req, "confirmations", 3)
	if err != nil {
		return nil, err
	}
	interval, err := durationParam(req, "poll_interval", time.Second)
	if err != nil {
		return nil, err
	}
	timeout, err := durationParam(req, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	txHash := toString(req.Results[stringParam(req, "tx_step", "submit")])

	pollCtx, cancel := context.WithTimeout(ctx, s.scaled(timeout))
	defer cancel()

	confirmations := 0
	err = retry.Do(pollCtx, func() error {
		// A missed block leaves the count unchanged
		if !s.injectFailure(req) {
			confirmations++
		}
		if float64(confirmations) < required {
			return retry.NewRecoverableError(fmt.Errorf("%d of %.0f confirmations", confirmations, required))
		}
		return nil
	},
		retry.WithMaxRetries(int(required)*10),
		retry.WithBaseWait(max(s.scaled(interval), time.Microsecond)),
		retry.WithMaxWait(max(s.scaled(interval), time.Microsecond)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || retry.IsRecoverable(err) {
			return nil, stagedflow.NewStepError(stagedflow.ErrorKindTimeout,
				fmt.Sprintf("transaction %s not confirmed: %d of %.0f confirmations", txHash, confirmations, required))
		}
		return nil, err
	}
	return map[string]any{"tx_hash": txHash, "confirmations": confirmations}, nil
}

type claimParams struct {
	Amount float64 `mapstructure:"amount"`
	Symbol string  `mapstructure:"symbol"`
}

func (s *Simulator) claim(ctx context.Context, req *stagedflow.StepRequest, p claimParams) (map[string]any, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("claim amount must be positive")
	}
	if p.Symbol == "" {
		p.Symbol = "MATIC"
	}
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindUserRejected, "User rejected the claim transaction")
	}
	s.wallet.update(func(w *WalletState) error {
		w.Balances[p.Symbol] += p.Amount
		return nil
	})
	return map[string]any{"amount": p.Amount, "symbol": p.Symbol, "tx_hash": hexString(s.rand, 64)}, nil
}

// swap converts the claimed amount at the conversion rate and deducts the
// swap, network and cross-chain fees.
func (s *Simulator) swap(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	amount, err := floatParam(req, "amount", 0)
	if err != nil {
		return nil, err
	}
	rate, err := floatParam(req, "rate", DefaultConversionRate)
	if err != nil {
		return nil, err
	}
	fees := map[string]float64{}
	for name, def := range map[string]float64{
		"swap_fee":        DefaultSwapFee,
		"network_fee":     DefaultNetworkFee,
		"cross_chain_fee": DefaultCrossChainFee,
	} {
		if fees[name], err = floatParam(req, name, def); err != nil {
			return nil, err
		}
	}
	from := stringParam(req, "symbol", "MATIC")
	to := stringParam(req, "to_symbol", "USDC")
	totalFee := fees["swap_fee"] + fees["network_fee"] + fees["cross_chain_fee"]
	output := amount*rate - totalFee
	if output <= 0 {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindInsufficientBalance,
			fmt.Sprintf("%.4f %s does not cover %.2f %s in fees", amount, from, totalFee, to))
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, "Swap route unavailable")
	}
	err = s.wallet.update(func(w *WalletState) error {
		if w.Balances[from] < amount {
			return stagedflow.NewStepError(stagedflow.ErrorKindInsufficientBalance,
				fmt.Sprintf("Insufficient %s balance for swap", from))
		}
		w.Balances[from] -= amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"input_amount":  amount,
		"output_amount": output,
		"rate":          rate,
		"fees":          map[string]any{"swap": fees["swap_fee"], "network": fees["network_fee"], "cross_chain": fees["cross_chain_fee"]},
		"total_fee":     totalFee,
		"symbol":        to,
	}, nil
}

type transferParams struct {
	ToNetwork string `mapstructure:"to_network"`
}

func (s *Simulator) transfer(ctx context.Context, req *stagedflow.StepRequest, p transferParams) (map[string]any, error) {
	if p.ToNetwork == "" {
		p.ToNetwork = "sepolia"
	}
	if _, err := lookupNetwork(p.ToNetwork); err != nil {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, err.Error())
	}
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, "Cross-chain transfer failed")
	}
	return map[string]any{"network": p.ToNetwork, "tx_hash": hexString(s.rand, 64)}, nil
}

func (s *Simulator) deposit(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	swapped, ok := req.Results[stringParam(req, "swap_step", "swap")].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("deposit requires the result of a swap step")
	}
	amount, _ := toFloat(swapped["output_amount"])
	symbol := toString(swapped["symbol"])
	if err := s.pause(ctx, req); err != nil {
		return nil, err
	}
	if s.injectFailure(req) {
		return nil, stagedflow.NewStepError(stagedflow.ErrorKindNetworkError, "Deposit failed")
	}
	s.wallet.update(func(w *WalletState) error {
		w.Balances[symbol] += amount
		return nil
	})
	return map[string]any{"amount": amount, "symbol": symbol, "tx_hash": hexString(s.rand, 64)}, nil
}

func (s *Simulator) requireConnected() error {
	state := s.wallet.Snapshot()
	if !state.Installed {
		return stagedflow.NewStepError(stagedflow.ErrorKindWalletUnavailable, "MetaMask is not installed")
	}
	if !state.Connected {
		return stagedflow.NewStepError(stagedflow.ErrorKindWalletUnavailable, "Wallet is not connected")
	}
	return nil
}
