// Package postgres provides a PostgreSQL-backed ledger.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/lib/pq"
)

// DefaultTable is the table used when no other is configured
const DefaultTable = "stagedflow_ledger"

// Ledger stores one row per terminal instance. Rows are only ever inserted.
// Summary columns are denormalized for filtering; the full entry is kept as
// JSONB.
type Ledger struct {
	db    *sql.DB
	table string
}

var _ stagedflow.Ledger = (*Ledger)(nil)

// Options configures a Ledger
type Options struct {
	// Table overrides the table name. Defaults to DefaultTable.
	Table string
}

// New returns a ledger over an open database handle. Call Migrate before
// first use.
func New(db *sql.DB, opts Options) *Ledger {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	return &Ledger{db: db, table: pq.QuoteIdentifier(table)}
}

// Open connects using a lib/pq connection string or URL, verifies the
// connection and creates the table if needed.
func Open(ctx context.Context, dsn string, opts Options) (*Ledger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	l := New(db, opts)
	if err := l.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database handle
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Migrate creates the ledger table and its indexes if they do not exist
func (l *Ledger) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			instance_id   TEXT PRIMARY KEY,
			template_name TEXT NOT NULL,
			status        TEXT NOT NULL,
			kind          TEXT NOT NULL DEFAULT '',
			asset         TEXT NOT NULL DEFAULT '',
			network       TEXT NOT NULL DEFAULT '',
			tx_hash       TEXT NOT NULL DEFAULT '',
			completed_at  TIMESTAMPTZ NOT NULL,
			recorded_at   TIMESTAMPTZ NOT NULL,
			entry         JSONB NOT NULL
		)`, l.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (completed_at)`,
			pq.QuoteIdentifier(unquoted(l.table)+"_completed_at_idx"), l.table),
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate ledger table: %w", err)
		}
	}
	return nil
}

func unquoted(identifier string) string {
	if len(identifier) >= 2 && identifier[0] == '"' {
		return identifier[1 : len(identifier)-1]
	}
	return identifier
}

// Append inserts the entry. An existing row for the instance is left
// untouched and ErrDuplicateEntry is returned.
func (l *Ledger) Append(ctx context.Context, entry stagedflow.LedgerEntry) error {
	if err := stagedflow.ValidateEntry(entry); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	inst := entry.Instance
	query := fmt.Sprintf(`INSERT INTO %s
		(instance_id, template_name, status, kind, asset, network, tx_hash, completed_at, recorded_at, entry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (instance_id) DO NOTHING`, l.table)
	result, err := l.db.ExecContext(ctx, query,
		inst.ID,
		inst.TemplateName,
		string(inst.Status),
		entry.Summary.Type,
		entry.Summary.Asset,
		entry.Summary.Network,
		entry.Summary.TxHash,
		entry.Timestamp().UTC(),
		entry.RecordedAt.UTC(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("instance %s: %w", inst.ID, stagedflow.ErrDuplicateEntry)
	}
	return nil
}

// Query pushes the status, template and time range conditions down to the
// database, then applies the full filter to the loaded entries.
func (l *Ledger) Query(ctx context.Context, filter stagedflow.LedgerFilter) (iter.Seq[stagedflow.LedgerEntry], error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	query, args := l.selectQuery(filter)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []stagedflow.LedgerEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		var entry stagedflow.LedgerEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return stagedflow.Sequence(filter.Apply(entries)), nil
}

func (l *Ledger) selectQuery(filter stagedflow.LedgerFilter) (string, []any) {
	query := fmt.Sprintf("SELECT entry FROM %s WHERE TRUE", l.table)
	var args []any
	add := func(condition string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND "+condition, len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if len(filter.Templates) > 0 {
		add("template_name = ANY($%d)", pq.Array(filter.Templates))
	}
	if len(filter.Types) > 0 {
		add("kind = ANY($%d)", pq.Array(filter.Types))
	}
	// Stored timestamps are rounded to microseconds, so the bounds are
	// widened here and applied exactly afterwards.
	if !filter.Since.IsZero() {
		add("completed_at >= $%d", filter.Since.Add(-time.Millisecond).UTC())
	}
	if !filter.Until.IsZero() {
		add("completed_at <= $%d", filter.Until.Add(time.Millisecond).UTC())
	}
	return query + " ORDER BY completed_at, instance_id", args
}

// Count returns the number of rows recorded since the given time. A zero
// time counts every row.
func (l *Ledger) Count(ctx context.Context, since time.Time) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE completed_at >= $1", l.table)
	if err := l.db.QueryRowContext(ctx, query, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}
