package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a local SQLite-backed record of generation runs, their output slots and
// the batch jobs submitted for them.
//
// Notes:
// - A run owns a contiguous range of output indices; one slot per index.
// - A batch row is written before the job is submitted and updated on every poll.
type Store struct {
	db *sql.DB
}

const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusExpired   = "EXPIRED"
)

// Terminal reports whether a batch status can no longer change.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

const (
	RunActive   = "active"
	RunFinished = "finished"

	SlotOpen      = "open"
	SlotSucceeded = "succeeded"
	SlotFailed    = "failed"
)

type Run struct {
	RunID           string `json:"run_id"`
	RunKey          string `json:"run_key"`
	OutputDir       string `json:"output_dir"`
	BaseIndex       int    `json:"base_index"`
	NumPrompts      int    `json:"num_prompts"`
	Status          string `json:"status"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

type Slot struct {
	RunID           string `json:"run_id"`
	Index           int    `json:"index"`
	Attempts        int    `json:"attempts"`
	State           string `json:"state"`
	LastError       string `json:"last_error"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

type Batch struct {
	BatchID          string `json:"batch_id"`
	RunID            string `json:"run_id"`
	ExternalID       string `json:"external_id"`
	Provider         string `json:"provider"`
	SubmittedCount   int    `json:"submitted_count"`
	CompletedIndices []int  `json:"completed_indices"`
	Status           string `json:"status"`
	Error            string `json:"error"`
	Resolved         bool   `json:"resolved"`
	Polls            int    `json:"polls"`
	CreatedAtUnixMs  int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs  int64  `json:"updated_at_unix_ms"`
}

// BatchItem is one position of a submitted batch and the slot its result belongs to.
type BatchItem struct {
	BatchID   string `json:"batch_id"`
	Position  int    `json:"position"`
	SlotIndex int    `json:"slot_index"`
	Attempt   int    `json:"attempt"`
	Prompt    string `json:"prompt"`
	SpecJSON  string `json:"spec_json"`
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var errNotInitialized = errors.New("store not initialized")

// CreateRun inserts r and one open slot per reserved index.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	r.RunID = strings.TrimSpace(r.RunID)
	r.OutputDir = strings.TrimSpace(r.OutputDir)
	if r.RunID == "" || r.OutputDir == "" || r.NumPrompts <= 0 || r.BaseIndex < 0 {
		return errors.New("invalid run")
	}
	if r.Status == "" {
		r.Status = RunActive
	}
	now := time.Now().UnixMilli()
	if r.CreatedAtUnixMs <= 0 {
		r.CreatedAtUnixMs = now
	}
	r.UpdatedAtUnixMs = r.CreatedAtUnixMs

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO gen_runs(run_id, run_key, output_dir, base_index, num_prompts, status, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, r.RunID, strings.TrimSpace(r.RunKey), r.OutputDir, r.BaseIndex, r.NumPrompts, r.Status, r.CreatedAtUnixMs, r.UpdatedAtUnixMs); err != nil {
		return err
	}
	for i := 0; i < r.NumPrompts; i++ {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO gen_slots(run_id, slot_index, attempts, state, last_error, updated_at_unix_ms)
VALUES(?, ?, 0, ?, '', ?)
`, r.RunID, r.BaseIndex+i, SlotOpen, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	if err := row.Scan(&r.RunID, &r.RunKey, &r.OutputDir, &r.BaseIndex, &r.NumPrompts, &r.Status, &r.CreatedAtUnixMs, &r.UpdatedAtUnixMs); err != nil {
		return nil, err
	}
	return &r, nil
}

const runColumns = `run_id, run_key, output_dir, base_index, num_prompts, status, created_at_unix_ms, updated_at_unix_ms`

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM gen_runs WHERE run_id = ?`, strings.TrimSpace(runID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// LatestActiveRun returns the newest unfinished run for outputDir, or nil.
func (s *Store) LatestActiveRun(ctx context.Context, outputDir string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM gen_runs
WHERE output_dir = ? AND status = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT 1
`, strings.TrimSpace(outputDir), RunActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// LatestRunByKey returns the newest run for outputDir created with runKey, whatever its status.
func (s *Store) LatestRunByKey(ctx context.Context, outputDir string, runKey string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	runKey = strings.TrimSpace(runKey)
	if runKey == "" {
		return nil, nil
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM gen_runs
WHERE output_dir = ? AND run_key = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT 1
`, strings.TrimSpace(outputDir), runKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM gen_runs ORDER BY created_at_unix_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) FinishRun(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	_, err := s.db.ExecContext(ctx, `UPDATE gen_runs SET status = ?, updated_at_unix_ms = ? WHERE run_id = ?`,
		RunFinished, time.Now().UnixMilli(), strings.TrimSpace(runID))
	return err
}

// ListSlots returns the run's slots ordered by index.
func (s *Store) ListSlots(ctx context.Context, runID string) ([]Slot, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, slot_index, attempts, state, last_error, updated_at_unix_ms
FROM gen_slots
WHERE run_id = ?
ORDER BY slot_index ASC
`, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Slot
	for rows.Next() {
		var sl Slot
		if err := rows.Scan(&sl.RunID, &sl.Index, &sl.Attempts, &sl.State, &sl.LastError, &sl.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSlot(ctx context.Context, sl Slot) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	switch sl.State {
	case SlotOpen, SlotSucceeded, SlotFailed:
	default:
		return fmt.Errorf("invalid slot state %q", sl.State)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE gen_slots
SET attempts = ?, state = ?, last_error = ?, updated_at_unix_ms = ?
WHERE run_id = ? AND slot_index = ?
`, sl.Attempts, sl.State, truncate(strings.TrimSpace(sl.LastError), 500), time.Now().UnixMilli(), strings.TrimSpace(sl.RunID), sl.Index)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("slot %s/%d not found", sl.RunID, sl.Index)
	}
	return nil
}

// CreateBatch records a batch in PENDING state together with its items.
func (s *Store) CreateBatch(ctx context.Context, b Batch, items []BatchItem) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	b.BatchID = strings.TrimSpace(b.BatchID)
	b.RunID = strings.TrimSpace(b.RunID)
	if b.BatchID == "" || b.RunID == "" {
		return errors.New("invalid batch")
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	b.SubmittedCount = len(items)
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO gen_batches(
  batch_id, run_id, external_id, provider, submitted_count, completed_indices,
  status, error, resolved, polls, created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, '[]', ?, '', 0, 0, ?, ?)
`, b.BatchID, b.RunID, strings.TrimSpace(b.ExternalID), strings.TrimSpace(b.Provider), b.SubmittedCount, b.Status, now, now); err != nil {
		return err
	}
	for i, it := range items {
		if it.Position != i {
			return fmt.Errorf("item %d has position %d", i, it.Position)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO gen_batch_items(batch_id, position, slot_index, attempt, prompt, spec_json)
VALUES(?, ?, ?, ?, ?, ?)
`, b.BatchID, it.Position, it.SlotIndex, it.Attempt, it.Prompt, it.SpecJSON); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SetExternalID(ctx context.Context, batchID string, externalID string) error {
	return s.exec(ctx, `UPDATE gen_batches SET external_id = ?, updated_at_unix_ms = ? WHERE batch_id = ?`,
		strings.TrimSpace(externalID), time.Now().UnixMilli(), strings.TrimSpace(batchID))
}

// RecordPoll stores the status observed by one poll.
func (s *Store) RecordPoll(ctx context.Context, batchID string, status string, errMsg string) error {
	return s.exec(ctx, `UPDATE gen_batches SET status = ?, error = ?, polls = polls + 1, updated_at_unix_ms = ? WHERE batch_id = ?`,
		status, truncate(strings.TrimSpace(errMsg), 500), time.Now().UnixMilli(), strings.TrimSpace(batchID))
}

func (s *Store) SetBatchStatus(ctx context.Context, batchID string, status string, errMsg string) error {
	return s.exec(ctx, `UPDATE gen_batches SET status = ?, error = ?, updated_at_unix_ms = ? WHERE batch_id = ?`,
		status, truncate(strings.TrimSpace(errMsg), 500), time.Now().UnixMilli(), strings.TrimSpace(batchID))
}

// SetCompletedIndices replaces the set of output indices materialized from the batch.
func (s *Store) SetCompletedIndices(ctx context.Context, batchID string, indices []int) error {
	cp := append([]int(nil), indices...)
	sort.Ints(cp)
	if cp == nil {
		cp = []int{}
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.exec(ctx, `UPDATE gen_batches SET completed_indices = ?, updated_at_unix_ms = ? WHERE batch_id = ?`,
		string(raw), time.Now().UnixMilli(), strings.TrimSpace(batchID))
}

// MarkResolved records that the batch outcome has been applied to its slots.
func (s *Store) MarkResolved(ctx context.Context, batchID string) error {
	return s.exec(ctx, `UPDATE gen_batches SET resolved = 1, updated_at_unix_ms = ? WHERE batch_id = ?`,
		time.Now().UnixMilli(), strings.TrimSpace(batchID))
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("batch not found")
	}
	return nil
}

const batchColumns = `batch_id, run_id, external_id, provider, submitted_count, completed_indices,
  status, error, resolved, polls, created_at_unix_ms, updated_at_unix_ms`

func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var b Batch
	var completed string
	var resolved int
	if err := row.Scan(&b.BatchID, &b.RunID, &b.ExternalID, &b.Provider, &b.SubmittedCount, &completed,
		&b.Status, &b.Error, &resolved, &b.Polls, &b.CreatedAtUnixMs, &b.UpdatedAtUnixMs); err != nil {
		return nil, err
	}
	b.Resolved = resolved != 0
	if strings.TrimSpace(completed) != "" {
		if err := json.Unmarshal([]byte(completed), &b.CompletedIndices); err != nil {
			return nil, fmt.Errorf("decode completed_indices for %s: %w", b.BatchID, err)
		}
	}
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	b, err := scanBatch(s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM gen_batches WHERE batch_id = ?`, strings.TrimSpace(batchID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ListBatches returns a run's batches in creation order. An empty runID lists all batches, newest first.
func (s *Store) ListBatches(ctx context.Context, runID string, limit int) ([]Batch, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	runID = strings.TrimSpace(runID)
	if runID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM gen_batches ORDER BY created_at_unix_ms DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM gen_batches WHERE run_id = ? ORDER BY created_at_unix_ms ASC, rowid ASC LIMIT ?`, runID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// UnresolvedBatches returns a run's batches whose outcome has not been applied yet.
func (s *Store) UnresolvedBatches(ctx context.Context, runID string) ([]Batch, error) {
	all, err := s.ListBatches(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	var out []Batch
	for _, b := range all {
		if !b.Resolved {
			out = append(out, b)
		}
	}
	return out, nil
}

// BatchItems returns the items of a batch ordered by position.
func (s *Store) BatchItems(ctx context.Context, batchID string) ([]BatchItem, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT batch_id, position, slot_index, attempt, prompt, spec_json
FROM gen_batch_items
WHERE batch_id = ?
ORDER BY position ASC
`, strings.TrimSpace(batchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchItem
	for rows.Next() {
		var it BatchItem
		if err := rows.Scan(&it.BatchID, &it.Position, &it.SlotIndex, &it.Attempt, &it.Prompt, &it.SpecJSON); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS gen_runs (
  run_id TEXT PRIMARY KEY,
  output_dir TEXT NOT NULL,
  base_index INTEGER NOT NULL,
  num_prompts INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gen_runs_output ON gen_runs(output_dir, status, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS gen_slots (
  run_id TEXT NOT NULL,
  slot_index INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL DEFAULT 'open',
  last_error TEXT NOT NULL DEFAULT '',
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(run_id, slot_index)
);

CREATE TABLE IF NOT EXISTS gen_batches (
  batch_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  external_id TEXT NOT NULL DEFAULT '',
  provider TEXT NOT NULL DEFAULT '',
  submitted_count INTEGER NOT NULL,
  completed_indices TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gen_batches_run ON gen_batches(run_id, created_at_unix_ms ASC);

CREATE TABLE IF NOT EXISTS gen_batch_items (
  batch_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  slot_index INTEGER NOT NULL,
  attempt INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  spec_json TEXT NOT NULL DEFAULT '',
  PRIMARY KEY(batch_id, position)
);
`); err != nil {
		return err
	}

	// v2: run keys, resolution tracking and poll counter.
	for _, col := range []struct{ table, name, ddl string }{
		{"gen_runs", "run_key", `ALTER TABLE gen_runs ADD COLUMN run_key TEXT NOT NULL DEFAULT ''`},
		{"gen_batches", "resolved", `ALTER TABLE gen_batches ADD COLUMN resolved INTEGER NOT NULL DEFAULT 0`},
		{"gen_batches", "polls", `ALTER TABLE gen_batches ADD COLUMN polls INTEGER NOT NULL DEFAULT 0`},
	} {
		has, err := columnExists(tx, col.table, col.name)
		if err != nil {
			return err
		}
		if !has {
			if _, err := tx.Exec(col.ddl); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
