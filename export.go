package stagedflow

import (
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"time"
)

// CSVHeader is the header row written by WriteCSV
var CSVHeader = []string{"Type", "Asset", "Amount", "Symbol", "Network", "Status", "Date", "Hash"}

// WriteCSV writes the entries as CSV with a header row. Dates are RFC3339 in
// UTC.
func WriteCSV(w io.Writer, entries iter.Seq[LedgerEntry]) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for e := range entries {
		status := ""
		if e.Instance != nil {
			status = string(e.Instance.Status)
		}
		record := []string{
			e.Summary.Type,
			e.Summary.Asset,
			e.Summary.Amount,
			e.Summary.Symbol,
			e.Summary.Network,
			status,
			e.Timestamp().UTC().Format(time.RFC3339),
			e.Summary.TxHash,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
