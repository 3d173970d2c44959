package sim

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Networks the simulated wallet can switch to, keyed by name
var Networks = map[string]Network{
	"ethereum":     {Name: "Ethereum Mainnet", ChainID: 1, Symbol: "ETH"},
	"sepolia":      {Name: "Sepolia", ChainID: 11155111, Symbol: "ETH", Testnet: true},
	"polygon":      {Name: "Polygon", ChainID: 137, Symbol: "MATIC"},
	"polygon-amoy": {Name: "Polygon Amoy", ChainID: 80002, Symbol: "MATIC", Testnet: true},
	"arbitrum":     {Name: "Arbitrum One", ChainID: 42161, Symbol: "ETH"},
}

// Network describes a chain the wallet may be connected to
type Network struct {
	Name    string
	ChainID int
	Symbol  string
	Testnet bool
}

// WalletState is a snapshot of the simulated browser wallet
type WalletState struct {
	Installed bool
	Connected bool
	Address   string
	Network   string
	Balances  map[string]float64
	Gasless   bool
}

// Wallet is an in-memory stand-in for a browser wallet extension. It is
// shared by all handlers of a Simulator.
type Wallet struct {
	mutex sync.Mutex
	state WalletState
}

// NewWallet returns a wallet with the given initial state
func NewWallet(state WalletState) *Wallet {
	state.Balances = maps.Clone(state.Balances)
	if state.Balances == nil {
		state.Balances = map[string]float64{}
	}
	return &Wallet{state: state}
}

// Snapshot returns a copy of the wallet state
func (w *Wallet) Snapshot() WalletState {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	s := w.state
	s.Balances = maps.Clone(w.state.Balances)
	return s
}

// Balance returns the balance held for a symbol
func (w *Wallet) Balance(symbol string) float64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state.Balances[symbol]
}

func (w *Wallet) update(fn func(s *WalletState) error) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return fn(&w.state)
}

// NetworkNames returns the supported network names in sorted order
func NetworkNames() []string {
	return slices.Sorted(maps.Keys(Networks))
}

func lookupNetwork(name string) (Network, error) {
	n, ok := Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unsupported network %q", name)
	}
	return n, nil
}
