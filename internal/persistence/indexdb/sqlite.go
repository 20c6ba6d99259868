// Package indexdb maintains a SQLite index of swap, checkpoint, and
// validation history. Writes go through a buffered channel to a single
// writer goroutine so the simulation loop never blocks on the database;
// when the indexer falls behind, entries are dropped and the JSONL audit
// logs remain the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqSwap reqKind = iota + 1
	reqCheckpoint
	reqValidation
)

type req struct {
	kind reqKind

	swap       SwapRecord
	checkpoint CheckpointRecord
	validation ValidationRecord
}

// SwapRecord is one hot-swap attempt.
type SwapRecord struct {
	Module     string
	FromVer    string
	ToVer      string
	Path       string
	Outcome    string
	Err        string
	RolledBack bool
	DurationNS int64
	At         time.Time
}

// CheckpointRecord is one checkpoint written to disk.
type CheckpointRecord struct {
	ID      string
	Module  string
	Version string
	Path    string
	Agents  int
	Chunks  int
	Bytes   int64
	At      time.Time
}

// ValidationRecord is one integrity pass over a module.
type ValidationRecord struct {
	Module     string
	Frame      uint32
	Agents     int
	Corrupted  int
	Failures   int
	Passed     bool
	DurationNS int64
	At         time.Time
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Large buffer so a burst of validation rows after a maintenance pass
		// does not stall the caller.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS swaps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			from_ver TEXT NOT NULL,
			to_ver TEXT NOT NULL,
			path TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			rolled_back INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_swaps_module_at ON swaps(module, at);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			module TEXT NOT NULL,
			version TEXT NOT NULL,
			path TEXT NOT NULL,
			agents INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_module_at ON checkpoints(module, at);`,
		`CREATE TABLE IF NOT EXISTS validations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			frame INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			corrupted INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_validations_module_frame ON validations(module, frame);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordSwap(r SwapRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSwap, swap: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordCheckpoint(r CheckpointRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqCheckpoint, checkpoint: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordValidation(r ValidationRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqValidation, validation: r}:
	default:
	}
}

// RecentSwaps returns up to limit swap records for module, newest first. An
// empty module matches all. Reads see only committed batches.
func (s *SQLiteIndex) RecentSwaps(module string, limit int) ([]SwapRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT module,from_ver,to_ver,path,outcome,COALESCE(error,''),rolled_back,duration_ns,at
		FROM swaps`
	args := []any{}
	if module != "" {
		q += ` WHERE module=?`
		args = append(args, module)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SwapRecord
	for rows.Next() {
		var r SwapRecord
		var rolled int
		var at string
		if err := rows.Scan(&r.Module, &r.FromVer, &r.ToVer, &r.Path, &r.Outcome,
			&r.Err, &rolled, &r.DurationNS, &at); err != nil {
			return nil, err
		}
		r.RolledBack = rolled != 0
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the most recent checkpoint row for module.
func (s *SQLiteIndex) LatestCheckpoint(module string) (CheckpointRecord, bool, error) {
	row := s.db.QueryRow(`SELECT id,module,version,path,agents,chunks,bytes,at
		FROM checkpoints WHERE module=? ORDER BY at DESC LIMIT 1`, module)
	var r CheckpointRecord
	var at string
	err := row.Scan(&r.ID, &r.Module, &r.Version, &r.Path, &r.Agents, &r.Chunks, &r.Bytes, &at)
	if err == sql.ErrNoRows {
		return CheckpointRecord{}, false, nil
	}
	if err != nil {
		return CheckpointRecord{}, false, err
	}
	r.At, _ = time.Parse(time.RFC3339Nano, at)
	return r, true, nil
}

// ValidationFailures returns validation rows that did not pass, newest first.
func (s *SQLiteIndex) ValidationFailures(limit int) ([]ValidationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT module,frame,agents,corrupted,failures,passed,duration_ns,at
		FROM validations WHERE passed=0 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ValidationRecord
	for rows.Next() {
		var r ValidationRecord
		var passed int
		var at string
		if err := rows.Scan(&r.Module, &r.Frame, &r.Agents, &r.Corrupted,
			&r.Failures, &passed, &r.DurationNS, &at); err != nil {
			return nil, err
		}
		r.Passed = passed != 0
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSwap, _ := s.db.Prepare(`INSERT INTO swaps(module,from_ver,to_ver,path,outcome,error,rolled_back,duration_ns,at) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT OR REPLACE INTO checkpoints(id,module,version,path,agents,chunks,bytes,at) VALUES(?,?,?,?,?,?,?,?)`)
	insertValidation, _ := s.db.Prepare(`INSERT INTO validations(module,frame,agents,corrupted,failures,passed,duration_ns,at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertSwap != nil {
			_ = insertSwap.Close()
		}
		if insertCheckpoint != nil {
			_ = insertCheckpoint.Close()
		}
		if insertValidation != nil {
			_ = insertValidation.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	ts := func(t time.Time) string {
		if t.IsZero() {
			t = time.Now()
		}
		return t.UTC().Format(time.RFC3339Nano)
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSwap:
			sw := r.swap
			if insertSwap != nil {
				if _, err := tx.Stmt(insertSwap).Exec(
					sw.Module, sw.FromVer, sw.ToVer, sw.Path, sw.Outcome,
					sw.Err, boolInt(sw.RolledBack), sw.DurationNS, ts(sw.At),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqCheckpoint:
			cp := r.checkpoint
			if insertCheckpoint != nil {
				if _, err := tx.Stmt(insertCheckpoint).Exec(
					cp.ID, cp.Module, cp.Version, cp.Path,
					cp.Agents, cp.Chunks, cp.Bytes, ts(cp.At),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqValidation:
			v := r.validation
			if insertValidation != nil {
				if _, err := tx.Stmt(insertValidation).Exec(
					v.Module, int64(v.Frame), v.Agents, v.Corrupted,
					v.Failures, boolInt(v.Passed), v.DurationNS, ts(v.At),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
