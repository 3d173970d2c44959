// Package redis provides a Redis-backed ledger.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"

	"github.com/deepnoodle-ai/stagedflow"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "stagedflow"

// appendScript stores the entry and indexes it in one step. It returns 0
// when an entry for the instance already exists.
var appendScript = goredis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// Ledger stores each entry as a JSON string keyed by instance id, plus a
// sorted set of instance ids scored by completion time in milliseconds.
type Ledger struct {
	client goredis.UniversalClient
	prefix string
}

var _ stagedflow.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrefix sets the key prefix. Default is "stagedflow".
func WithPrefix(prefix string) Option {
	return func(l *Ledger) {
		l.prefix = prefix
	}
}

// New returns a ledger using the given client
func New(client goredis.UniversalClient, opts ...Option) *Ledger {
	l := &Ledger{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects to the Redis server at the given URL, e.g.
// redis://localhost:6379/0, and verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Ledger, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, opts...), nil
}

// Close closes the underlying client
func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) entryKey(id string) string {
	return fmt.Sprintf("%s:ledger:entry:%s", l.prefix, id)
}

func (l *Ledger) indexKey() string {
	return fmt.Sprintf("%s:ledger:index", l.prefix)
}

// Append records a terminal instance
func (l *Ledger) Append(ctx context.Context, entry stagedflow.LedgerEntry) error {
	if err := stagedflow.ValidateEntry(entry); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	id := entry.Instance.ID
	keys := []string{l.entryKey(id), l.indexKey()}
	added, err := appendScript.Run(ctx, l.client, keys, data, entry.Timestamp().UnixMilli(), id).Int()
	if err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("instance %s: %w", id, stagedflow.ErrDuplicateEntry)
	}
	return nil
}

// Query narrows candidates by the filter's time range using the index, then
// filters and sorts the loaded entries.
func (l *Ledger) Query(ctx context.Context, filter stagedflow.LedgerFilter) (iter.Seq[stagedflow.LedgerEntry], error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	scoreRange := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.Since.IsZero() {
		scoreRange.Min = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	if !filter.Until.IsZero() {
		scoreRange.Max = strconv.FormatInt(filter.Until.UnixMilli(), 10)
	}
	ids, err := l.client.ZRangeByScore(ctx, l.indexKey(), scoreRange).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index read failed: %w", err)
	}
	if len(ids) == 0 {
		return stagedflow.Sequence(nil), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = l.entryKey(id)
	}
	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	entries := make([]stagedflow.LedgerEntry, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("ledger entry %s missing from index", ids[i])
		}
		var entry stagedflow.LedgerEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entry %s: %w", ids[i], err)
		}
		entries = append(entries, entry)
	}
	return stagedflow.Sequence(filter.Apply(entries)), nil
}
