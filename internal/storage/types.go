package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"datapipe/internal/task/job"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrInvalidRecord = errors.New("invalid record")
	ErrInvalidTable  = errors.New("invalid table name")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal + snapshot per table
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "none" or empty: persistence disabled, every call returns ErrDisabled
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery folds a file table's journal into its snapshot after this
	// many writes. Default 1000.
	CompactEvery int
	// RunRetention drops run log rows older than this. 0 keeps everything.
	RunRetention time.Duration
}

// Record is one logical row. Values must be JSON-encodable.
type Record map[string]any

// Upserter stores records idempotently by natural key. Writing the same key
// twice leaves one row holding the last payload.
type Upserter interface {
	Upsert(ctx context.Context, table string, keyFields []string, records []Record) (int, error)
}

// RunLog is the append-only execution log.
type RunLog interface {
	AppendRun(ctx context.Context, res job.ExecutionResult) error
	// RecentRuns returns up to limit results, newest first. An empty job
	// name matches every job.
	RecentRuns(ctx context.Context, jobName string, limit int) ([]job.ExecutionResult, error)
}

// Lookup reads stored records back.
type Lookup interface {
	Get(ctx context.Context, table, key string) (Record, bool, error)
	Count(ctx context.Context, table string) (int, error)
}

// Store is the persistence API used by job handlers and the app.
type Store interface {
	Upserter
	RunLog
	Lookup
	Driver() string
	Close() error
}

var reTable = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

func checkTable(table string) error {
	if !reTable.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

// NaturalKey joins the values of keyFields with "|". Every key field must be
// present and non-empty.
func NaturalKey(rec Record, keyFields []string) (string, error) {
	if len(keyFields) == 0 {
		return "", fmt.Errorf("%w: no key fields", ErrInvalidRecord)
	}
	parts := make([]string, 0, len(keyFields))
	for _, f := range keyFields {
		v, ok := rec[f]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: missing key field %q", ErrInvalidRecord, f)
		}
		s := strings.TrimSpace(keyString(v))
		if s == "" {
			return "", fmt.Errorf("%w: empty key field %q", ErrInvalidRecord, f)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|"), nil
}

// keyString renders a key value without exponent notation for floats.
func keyString(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// keyed pairs each record with its natural key; a later duplicate replaces an
// earlier one.
type keyedRecord struct {
	key string
	rec Record
}

func keyRecords(keyFields []string, records []Record) ([]keyedRecord, error) {
	out := make([]keyedRecord, 0, len(records))
	idx := make(map[string]int, len(records))
	for i, r := range records {
		k, err := NaturalKey(r, keyFields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if at, ok := idx[k]; ok {
			out[at].rec = r
			continue
		}
		idx[k] = len(out)
		out = append(out, keyedRecord{key: k, rec: r})
	}
	return out, nil
}

type disabledStore struct{}

func (disabledStore) Upsert(context.Context, string, []string, []Record) (int, error) {
	return 0, ErrDisabled
}
func (disabledStore) AppendRun(context.Context, job.ExecutionResult) error { return ErrDisabled }
func (disabledStore) RecentRuns(context.Context, string, int) ([]job.ExecutionResult, error) {
	return nil, ErrDisabled
}
func (disabledStore) Get(context.Context, string, string) (Record, bool, error) {
	return nil, false, ErrDisabled
}
func (disabledStore) Count(context.Context, string) (int, error) { return 0, ErrDisabled }
func (disabledStore) Driver() string                             { return "none" }
func (disabledStore) Close() error                               { return nil }

// Disabled returns a store whose operations all fail with ErrDisabled.
func Disabled() Store { return disabledStore{} }

// runRow is the persisted form of an execution result.
type runRow struct {
	ID         string `json:"id"`
	Job        string `json:"job"`
	Trigger    string `json:"trigger"`
	StartedAt  int64  `json:"started_ms"`
	FinishedAt int64  `json:"finished_ms"`
	Succeeded  bool   `json:"succeeded"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

func toRunRow(r job.ExecutionResult) runRow {
	return runRow{
		ID:         r.ID,
		Job:        r.JobName,
		Trigger:    string(r.Trigger),
		StartedAt:  r.StartedAt.UnixMilli(),
		FinishedAt: r.FinishedAt.UnixMilli(),
		Succeeded:  r.Succeeded,
		Skipped:    r.Skipped,
		Error:      r.Error,
	}
}

func (r runRow) result() job.ExecutionResult {
	return job.ExecutionResult{
		ID:         r.ID,
		JobName:    r.Job,
		Trigger:    job.Trigger(r.Trigger),
		StartedAt:  time.UnixMilli(r.StartedAt),
		FinishedAt: time.UnixMilli(r.FinishedAt),
		Succeeded:  r.Succeeded,
		Skipped:    r.Skipped,
		Error:      r.Error,
	}
}
