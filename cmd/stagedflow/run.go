package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/deepnoodle-ai/stagedflow/metrics"
	"github.com/deepnoodle-ai/stagedflow/sim"
	"github.com/fatih/color"
)

// RunConfig holds the options of the run command
type RunConfig struct {
	Template    string
	File        string
	Inputs      map[string]any
	Balances    map[string]float64
	Network     string
	Connected   bool
	Seed        uint64
	TimeScale   float64
	Timeout     time.Duration
	LogsDir     string
	MetricsAddr string
	Verbose     bool
	JSON        bool
	Ledger      LedgerConfig
}

func parseRunFlags(args []string, env *Environment) (*RunConfig, error) {
	config := &RunConfig{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)

	fs.StringVar(&config.Template, "template", "", "Name of the template to run (required)")
	fs.StringVar(&config.Template, "t", "", "Name of the template to run (shorthand)")
	fs.StringVar(&config.File, "file", "", "YAML file with additional templates")
	fs.StringVar(&config.File, "f", "", "YAML file with additional templates (shorthand)")

	var inputFlags, balanceFlags stringSlice
	fs.Var(&inputFlags, "input", "Input parameter in format key=value (can be used multiple times)")
	fs.Var(&inputFlags, "i", "Input parameter in format key=value (shorthand)")
	fs.Var(&balanceFlags, "balance", "Simulated wallet balance in format SYMBOL=amount (can be used multiple times)")

	fs.StringVar(&config.Network, "network", "polygon-amoy", "Network the simulated wallet starts on")
	fs.BoolVar(&config.Connected, "connected", true, "Start with the simulated wallet connected")
	fs.Uint64Var(&config.Seed, "seed", 0, "Seed for simulated failures and hashes (0 picks one)")
	fs.Float64Var(&config.TimeScale, "time-scale", 1, "Multiplier for simulated delays, e.g. 0.1 runs ten times faster")
	fs.DurationVar(&config.Timeout, "timeout", 0, "Cancel the instance if it has not finished after this long")
	fs.StringVar(&config.LogsDir, "logs", "", "Directory to store step logs (optional)")
	fs.StringVar(&config.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fs.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	fs.BoolVar(&config.JSON, "json", false, "Print the final instance as JSON")
	config.Ledger.register(fs, env)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if config.Template == "" {
		fs.Usage()
		return nil, fmt.Errorf("a template is required")
	}
	var err error
	if config.Inputs, err = parseInputs(inputFlags); err != nil {
		return nil, err
	}
	if config.Balances, err = parseBalances(balanceFlags); err != nil {
		return nil, err
	}
	return config, nil
}

func loadRegistry(file string) (*stagedflow.Registry, error) {
	if file == "" {
		return sim.NewRegistry()
	}
	extra, err := stagedflow.LoadTemplatesFile(file)
	if err != nil {
		return nil, err
	}
	return sim.NewRegistry(extra...)
}

func runCommand(args []string, env *Environment) error {
	config, err := parseRunFlags(args, env)
	if err != nil {
		return err
	}
	logger, err := setupLogger(env.LogFormat, config.Verbose)
	if err != nil {
		return err
	}
	registry, err := loadRegistry(config.File)
	if err != nil {
		return err
	}
	tmpl, err := registry.Get(config.Template)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	durable, closeLedger, err := openLedger(ctx, config.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()
	ledger := stagedflow.NewWriteThroughLedger(durable)

	metricsRegistry := metrics.NewRegistry()
	collector, err := metrics.New(metricsRegistry)
	if err != nil {
		return err
	}
	if config.MetricsAddr != "" {
		exporter := metrics.NewExporter(config.MetricsAddr, metricsRegistry)
		if err := exporter.Start(); err != nil {
			return err
		}
		defer func() {
			if err := exporter.Shutdown(context.Background()); err != nil {
				logger.Error("metrics exporter failed", "error", err)
			}
		}()
		color.Blue("Metrics: http://%s/metrics", exporter.Addr())
	}

	var stepLogger stagedflow.StepLogger = stagedflow.NewNullStepLogger()
	if config.LogsDir != "" {
		stepLogger = stagedflow.NewFileStepLogger(config.LogsDir)
		color.Blue("Step logs: %s", config.LogsDir)
	}

	var rand sim.Rand
	if config.Seed != 0 {
		rand = sim.NewRand(config.Seed)
	}
	simulator := sim.New(sim.Options{
		Rand:      rand,
		TimeScale: config.TimeScale,
		Wallet: sim.NewWallet(sim.WalletState{
			Installed: true,
			Connected: config.Connected,
			Address:   "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
			Network:   config.Network,
			Balances:  config.Balances,
		}),
	})

	store := stagedflow.NewStore()
	defer store.Subscribe(collector.Listener())()
	defer store.Subscribe(newProgressPrinter(os.Stdout, registry).handle)()

	runner, err := stagedflow.NewRunner(stagedflow.RunnerOptions{
		Registry:   registry,
		Store:      store,
		Ledger:     ledger,
		Handlers:   simulator.Handlers(),
		Logger:     logger,
		StepLogger: stepLogger,
		Callbacks:  collector,
	})
	if err != nil {
		return err
	}

	color.Cyan("Template: %s (%d steps, about %v)", tmpl.Name(), tmpl.Len(), tmpl.NominalDuration())
	if tmpl.Description() != "" {
		color.White("Description: %s", tmpl.Description())
	}

	id, err := runner.Start(ctx, tmpl.Name(), config.Inputs)
	if err != nil {
		return err
	}
	color.Green("Started instance %s", id)

	// Interrupts and the timeout request cancellation; the instance still
	// reaches a terminal state and is recorded.
	cancelCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		cancelCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	go func() {
		<-cancelCtx.Done()
		if err := runner.Cancel(id); err != nil {
			logger.Warn("failed to cancel instance", "instance_id", id, "error", err)
		}
	}()

	inst, err := runner.Wait(context.Background(), id)
	if err != nil {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return showResult(os.Stdout, tmpl, inst, config.JSON)
}

func showResult(w io.Writer, tmpl *stagedflow.Template, inst *stagedflow.Instance, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(inst, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	} else {
		fmt.Fprintf(w, "\n")
		color.White("Status: %s", inst.Status)
		color.White("Duration: %v", inst.Duration().Round(time.Millisecond))
		if inst.Result != nil {
			if data, err := json.Marshal(inst.Result); err == nil {
				color.Magenta("Result: %s", string(data))
			}
		}
	}
	switch inst.Status {
	case stagedflow.StatusSucceeded:
		color.Green("Transaction successful!")
		return nil
	case stagedflow.StatusCancelled:
		step := "before starting"
		if inst.CurrentStepIndex >= 0 && inst.CurrentStepIndex < tmpl.Len() {
			step = "before " + tmpl.Step(inst.CurrentStepIndex).Title
		}
		color.Yellow("Cancelled %s", step)
		return errors.New("instance cancelled")
	default:
		if inst.Error != nil {
			return fmt.Errorf("%s: %s", inst.Error.Kind, inst.Error.Message)
		}
		return fmt.Errorf("instance %s", inst.Status)
	}
}

// progressPrinter prints instance transitions as they are published
type progressPrinter struct {
	w        io.Writer
	registry *stagedflow.Registry
}

func newProgressPrinter(w io.Writer, registry *stagedflow.Registry) *progressPrinter {
	return &progressPrinter{w: w, registry: registry}
}

func (p *progressPrinter) handle(event stagedflow.Event) {
	inst := event.Instance
	tmpl, err := p.registry.Get(inst.TemplateName)
	if err != nil {
		return
	}
	progress := stagedflow.ProgressOf(tmpl, inst)
	bar := progressBar(progress.Percent, 20)

	switch event.Type {
	case stagedflow.EventStepStarted:
		step := tmpl.Step(inst.CurrentStepIndex)
		line := fmt.Sprintf("%s [%d/%d] %s", bar, inst.CurrentStepIndex+1, progress.Total, step.Title)
		if inst.Status == stagedflow.StatusAwaitingExternalAction {
			color.New(color.FgYellow).Fprintf(p.w, "%s: %s\n", line, step.Description)
		} else {
			color.New(color.FgCyan).Fprintf(p.w, "%s (about %v left)\n", line, progress.Remaining)
		}
	case stagedflow.EventStepCompleted:
		step := tmpl.Step(inst.CurrentStepIndex)
		color.New(color.FgGreen).Fprintf(p.w, "%s done: %s\n", bar, step.Title)
	case stagedflow.EventInstanceFinished:
		c := color.New(color.FgGreen)
		if inst.Status != stagedflow.StatusSucceeded {
			c = color.New(color.FgRed)
		}
		c.Fprintf(p.w, "%s %s\n", bar, inst.Status)
	case stagedflow.EventPersistenceFailed:
		color.New(color.FgRed).Fprintf(p.w, "warning: %v\n", event.Err)
	}
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(filled, width))
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}
