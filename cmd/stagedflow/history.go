package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/fatih/color"
)

// HistoryConfig holds the options of the history command
type HistoryConfig struct {
	Statuses  string
	Templates string
	Types     string
	Assets    string
	Networks  string
	Search    string
	Range     string
	SortBy    string
	Ascending bool
	Limit     int
	CSV       bool
	Ledger    LedgerConfig
}

func parseHistoryFlags(args []string, env *Environment) (*HistoryConfig, error) {
	config := &HistoryConfig{}
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.StringVar(&config.Statuses, "status", "", "Comma separated statuses: succeeded, failed, cancelled")
	fs.StringVar(&config.Templates, "template", "", "Comma separated template names")
	fs.StringVar(&config.Types, "type", "", "Comma separated transaction types, e.g. stake,convert")
	fs.StringVar(&config.Assets, "asset", "", "Comma separated asset names")
	fs.StringVar(&config.Networks, "network", "", "Comma separated networks")
	fs.StringVar(&config.Search, "search", "", "Case-insensitive text search over type, status, network, asset and hash")
	fs.StringVar(&config.Range, "range", "", "Date range: today, week, month, quarter or year")
	fs.StringVar(&config.SortBy, "sort", stagedflow.SortByTimestamp, "Sort by timestamp, amount or asset")
	fs.BoolVar(&config.Ascending, "asc", false, "Sort in ascending order")
	fs.IntVar(&config.Limit, "limit", 0, "Maximum number of entries (0 for all)")
	fs.BoolVar(&config.CSV, "csv", false, "Write CSV to stdout")
	config.Ledger.register(fs, env)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// filter builds the ledger filter for the options, relative to now
func (c *HistoryConfig) filter(now time.Time) (stagedflow.LedgerFilter, error) {
	f := stagedflow.LedgerFilter{
		Templates: splitList(c.Templates),
		Types:     splitList(c.Types),
		Assets:    splitList(c.Assets),
		Networks:  splitList(c.Networks),
		Search:    c.Search,
		SortBy:    c.SortBy,
		Ascending: c.Ascending,
		Limit:     c.Limit,
	}
	for _, s := range splitList(c.Statuses) {
		status := stagedflow.Status(strings.ToLower(s))
		if !status.IsTerminal() {
			return f, fmt.Errorf("history only holds terminal statuses, got %q", s)
		}
		f.Statuses = append(f.Statuses, status)
	}
	if c.Range != "" {
		since, err := stagedflow.DateRangeSince(c.Range, now)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	return f, f.Validate()
}

func historyCommand(args []string, env *Environment) error {
	config, err := parseHistoryFlags(args, env)
	if err != nil {
		return err
	}
	filter, err := config.filter(time.Now())
	if err != nil {
		return err
	}
	ctx := context.Background()
	ledger, closeLedger, err := openLedger(ctx, config.Ledger)
	if err != nil {
		return err
	}
	defer closeLedger()

	entries, err := ledger.Query(ctx, filter)
	if err != nil {
		return err
	}
	if config.CSV {
		return stagedflow.WriteCSV(os.Stdout, entries)
	}
	return printHistory(os.Stdout, entries)
}

func printHistory(w io.Writer, entries iter.Seq[stagedflow.LedgerEntry]) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSTATUS\tAMOUNT\tASSET\tNETWORK\tTX HASH")
	count := 0
	for e := range entries {
		count++
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp().Local().Format(time.DateTime),
			e.Summary.Type,
			statusColor(e.Instance.Status).Sprint(e.Instance.Status),
			strings.TrimSpace(e.Summary.Amount+" "+e.Summary.Symbol),
			e.Summary.Asset,
			e.Summary.Network,
			shortHash(e.Summary.TxHash),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if count == 0 {
		color.New(color.FgYellow).Fprintln(w, "No transactions found")
	}
	return nil
}

func statusColor(status stagedflow.Status) *color.Color {
	switch status {
	case stagedflow.StatusSucceeded:
		return color.New(color.FgGreen)
	case stagedflow.StatusFailed:
		return color.New(color.FgRed)
	}
	return color.New(color.FgYellow)
}

func shortHash(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-6:]
}
