package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/deepnoodle-ai/stagedflow/postgres"
	"github.com/deepnoodle-ai/stagedflow/redis"
	"github.com/fatih/color"
	"github.com/spf13/viper"
)

// Ledger backends selectable with -ledger
const (
	LedgerMemory   = "memory"
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Environment holds settings read from STAGEDFLOW_* variables. Flags take
// precedence over them.
type Environment struct {
	Ledger    string `mapstructure:"ledger"`
	LedgerDSN string `mapstructure:"ledger_dsn"`
	LogFormat string `mapstructure:"log_format"`
}

func loadEnvironment() (*Environment, error) {
	v := viper.New()
	v.SetDefault("ledger", LedgerFile)
	v.SetDefault("ledger_dsn", "")
	v.SetDefault("log_format", "text")
	v.BindEnv("ledger", "STAGEDFLOW_LEDGER")
	v.BindEnv("ledger_dsn", "STAGEDFLOW_LEDGER_DSN")
	v.BindEnv("log_format", "STAGEDFLOW_LOG_FORMAT")

	env := &Environment{}
	if err := v.Unmarshal(env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return env, nil
}

// LedgerConfig selects and locates the ledger backend
type LedgerConfig struct {
	Backend string
	DSN     string
}

func (c *LedgerConfig) register(fs *flag.FlagSet, env *Environment) {
	fs.StringVar(&c.Backend, "ledger", env.Ledger, "Ledger backend: memory, file, postgres or redis")
	fs.StringVar(&c.DSN, "ledger-dsn", env.LedgerDSN, "Ledger location: file path, postgres connection string or redis URL")
}

// openLedger returns the configured ledger and a function releasing it
func openLedger(ctx context.Context, cfg LedgerConfig) (stagedflow.Ledger, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case LedgerMemory:
		return stagedflow.NewMemoryLedger(), noop, nil
	case LedgerFile:
		l, err := stagedflow.NewFileLedger(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, noop, nil
	case LedgerPostgres:
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("the postgres ledger requires -ledger-dsn")
		}
		l, err := postgres.Open(ctx, cfg.DSN, postgres.Options{})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case LedgerRedis:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		l, err := redis.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}

func setupLogger(format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return stagedflow.NewLoggerWithFormat(os.Stderr, format, level)
}

// Custom flag type for handling multiple key=value flags
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// parseInputs turns key=value pairs into an input map. Values are parsed as
// JSON if possible, otherwise kept as strings.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, use key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

// parseBalances turns SYMBOL=amount pairs into wallet balances
func parseBalances(pairs []string) (map[string]float64, error) {
	balances := map[string]float64{}
	for _, pair := range pairs {
		symbol, value, ok := strings.Cut(pair, "=")
		if !ok || symbol == "" {
			return nil, fmt.Errorf("invalid balance format %q, use SYMBOL=amount", pair)
		}
		amount, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid balance for %s: %w", symbol, err)
		}
		balances[strings.ToUpper(symbol)] = amount
	}
	return balances, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `stagedflow - run and inspect staged transaction workflows

Usage:
  %[1]s run -template <name> [options]
  %[1]s history [options]
  %[1]s templates [-file templates.yaml]

Examples:
  # Stake 100 MATIC on Polygon Amoy with a simulated wallet
  %[1]s run -template stake-asset -input amount=100 -input symbol=MATIC -balance MATIC=500

  # Show failed transactions of the last week as CSV
  %[1]s history -status failed -range week -csv

Environment:
  STAGEDFLOW_LEDGER       default for -ledger (memory, file, postgres, redis)
  STAGEDFLOW_LEDGER_DSN   default for -ledger-dsn
  STAGEDFLOW_LOG_FORMAT   log format, text or json

Run "%[1]s <command> -h" for the options of a command.
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	env, err := loadEnvironment()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "run":
		err = runCommand(args, env)
	case "history":
		err = historyCommand(args, env)
	case "templates":
		err = templatesCommand(args)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		color.Red("Error: unknown command %q", command)
		usage()
		os.Exit(2)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
