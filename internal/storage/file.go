package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"datapipe/internal/task/job"
	logx "datapipe/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files, for a configured path "data/datapipe.db":
//   - data/datapipe.runs.jsonl                  (append-only run log)
//   - data/datapipe.<table>.snapshot.json       (periodic snapshot)
//   - data/datapipe.<table>.journal.jsonl       (append-only journal)
//
// Each table's journal is periodically compacted into its snapshot.
type fileStore struct {
	log          logx.Logger
	prefix       string
	compactEvery int
	retention    time.Duration

	mu       sync.Mutex
	closed   bool
	runsFile *os.File
	tables   map[string]*fileTable
}

type fileTable struct {
	snapshotPath string
	journal      *os.File
	rows         map[string]fileRow
	writes       int
}

type fileRow struct {
	Key       string `json:"key"`
	UpdatedAt int64  `json:"updated_ms"`
	Payload   Record `json:"payload"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(prefix+".runs.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	compactEvery := cfg.CompactEvery
	if compactEvery <= 0 {
		compactEvery = 1000
	}
	return &fileStore{
		log:          log,
		prefix:       prefix,
		compactEvery: compactEvery,
		retention:    cfg.RunRetention,
		runsFile:     rf,
		tables:       map[string]*fileTable{},
	}, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, t := range s.tables {
		if err := t.compact(); err != nil {
			errs = append(errs, fmt.Errorf("compact %s: %w", name, err))
		}
		if err := t.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.runsFile.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// tableLocked loads a table from snapshot + journal on first use.
func (s *fileStore) tableLocked(name string) (*fileTable, error) {
	if s.closed {
		return nil, errors.New("file store closed")
	}
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	t := &fileTable{
		snapshotPath: s.prefix + "." + name + ".snapshot.json",
		rows:         map[string]fileRow{},
	}
	journalPath := s.prefix + "." + name + ".journal.jsonl"
	if err := loadSnapshot(t.snapshotPath, t.rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("table snapshot unreadable", logx.String("table", name), logx.Err(err))
	}
	if err := replayJournal(journalPath, t.rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("table journal unreadable", logx.String("table", name), logx.Err(err))
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	t.journal = jf
	s.tables[name] = t
	return t, nil
}

func (s *fileStore) Upsert(ctx context.Context, table string, keyFields []string, records []Record) (int, error) {
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
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tableLocked(table)
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	w := bufio.NewWriter(t.journal)
	enc := json.NewEncoder(w)
	for _, kr := range keyed {
		row := fileRow{Key: kr.key, UpdatedAt: now, Payload: kr.rec}
		if err := enc.Encode(row); err != nil {
			return 0, fmt.Errorf("encode %s/%s: %w", table, kr.key, err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	for _, kr := range keyed {
		t.rows[kr.key] = fileRow{Key: kr.key, UpdatedAt: now, Payload: kr.rec}
	}

	t.writes += len(keyed)
	if t.writes >= s.compactEvery {
		if err := t.compact(); err != nil {
			s.log.Debug("table compact failed", logx.String("table", table), logx.Err(err))
		}
	}
	return len(keyed), nil
}

func (s *fileStore) Get(ctx context.Context, table, key string) (Record, bool, error) {
	if err := checkTable(table); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tableLocked(table)
	if err != nil {
		return nil, false, err
	}
	row, ok := t.rows[key]
	if !ok {
		return nil, false, nil
	}
	return row.Payload, true, nil
}

func (s *fileStore) Count(ctx context.Context, table string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tableLocked(table)
	if err != nil {
		return 0, err
	}
	return len(t.rows), nil
}

func (s *fileStore) AppendRun(ctx context.Context, res job.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}
	return json.NewEncoder(s.runsFile).Encode(toRunRow(res))
}

func (s *fileStore) RecentRuns(ctx context.Context, jobName string, limit int) ([]job.ExecutionResult, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("file store closed")
	}
	f, err := os.Open(s.runsFile.Name())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cutoff := int64(0)
	if s.retention > 0 {
		cutoff = time.Now().Add(-s.retention).UnixMilli()
	}
	var rows []runRow
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r runRow
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if jobName != "" && r.Job != jobName {
			continue
		}
		if r.StartedAt < cutoff {
			continue
		}
		rows = append(rows, r)
		if len(rows) > limit {
			rows = rows[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]job.ExecutionResult, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].result())
	}
	return out, nil
}

// compact writes the table to its snapshot and truncates the journal.
func (t *fileTable) compact() error {
	tmp := t.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]fileRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, t.rows[k])
	}
	if err := json.NewEncoder(f).Encode(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.snapshotPath); err != nil {
		return err
	}
	if err := t.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := t.journal.Seek(0, 2); err != nil {
		return err
	}
	t.writes = 0
	return nil
}

func loadSnapshot(path string, out map[string]fileRow) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var rows []fileRow
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return err
	}
	for _, r := range rows {
		out[r.Key] = r
	}
	return nil
}

func replayJournal(path string, out map[string]fileRow) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		var r fileRow
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r
	}
	return sc.Err()
}
