package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.RunRetention, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Driver() string { return "sqlite" }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, table string, keyFields []string, records []Record) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	keyed, err := keyRecords(keyFields, records)
	if err != nil {
		return 0, err
	}
	if len(keyed) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(tbl, natural_key, payload, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(tbl, natural_key) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, kr := range keyed {
		payload, err := json.Marshal(kr.rec)
		if err != nil {
			return 0, fmt.Errorf("encode %s/%s: %w", table, kr.key, err)
		}
		if _, err := stmt.ExecContext(ctx, table, kr.key, string(payload), now); err != nil {
			return 0, fmt.Errorf("upsert %s/%s: %w", table, kr.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(keyed), nil
}

func (s *sqliteStore) Get(ctx context.Context, table, key string) (Record, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM records WHERE tbl = ? AND natural_key = ?`, table, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return rec, true, nil
}

func (s *sqliteStore) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE tbl = ?`, table).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendRun(ctx context.Context, res job.ExecutionResult) error {
	r := toRunRow(res)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, trig, started_ms, finished_ms, succeeded, skipped, err)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Job, r.Trigger, r.StartedAt, r.FinishedAt, r.Succeeded, r.Skipped, nullStr(r.Error),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("run log prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, jobName string, limit int) ([]job.ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job, trig, started_ms, finished_ms, succeeded, skipped, err FROM runs`
	args := []any{}
	if jobName != "" {
		q += ` WHERE job = ?`
		args = append(args, jobName)
	}
	q += ` ORDER BY started_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.ExecutionResult
	for rows.Next() {
		var r runRow
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Succeeded, &r.Skipped, &errText); err != nil {
			return nil, err
		}
		r.Error = errText.String
		out = append(out, r.result())
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_ms < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
