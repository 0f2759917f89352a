// Package sqlite keeps the primary store in a single SQLite file. Each
// commit writes the changed buckets of the memory state as JSON rows.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"kobocat/internal/infra/persistence/memory"
	"kobocat/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultPath = "kobocat.db"

	createStateTable = `CREATE TABLE IF NOT EXISTS kobocat_state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	upsertState = `INSERT INTO kobocat_state (bucket, payload) VALUES (?, ?)
		ON CONFLICT (bucket) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`
)

// pragmas applied to every new handle. WAL lets readers run while the
// server persists a commit.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// Store is a memory.Store made durable in SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string

	mu      sync.Mutex
	written map[string][]byte
}

// NewStore opens or creates the database at path and loads its state.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the memory store already serialises commits.
	db.SetMaxOpenConns(1)
	for _, stmt := range append(pragmas, createStateTable) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite (%s): %w", stmt, err)
		}
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path, written: make(map[string][]byte)}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM kobocat_state`)
	if err != nil {
		return fmt.Errorf("select kobocat_state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snapshot memory.Snapshot
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan kobocat_state: %w", err)
		}
		target := snapshot.BucketTarget(bucket)
		if target == nil || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode bucket %s: %w", bucket, err)
		}
		s.written[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate kobocat_state: %w", err)
	}
	if len(s.written) > 0 {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	changed := make(map[string][]byte)
	for _, bucket := range memory.Buckets {
		data, err := json.Marshal(snapshot.BucketTarget(bucket))
		if err != nil {
			return fmt.Errorf("encode bucket %s: %w", bucket, err)
		}
		if !bytes.Equal(data, s.written[bucket]) {
			changed[bucket] = data
		}
	}
	if len(changed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, bucket := range memory.Buckets {
		data, ok := changed[bucket]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertState, bucket, data); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert bucket %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for bucket, data := range changed {
		s.written[bucket] = data
	}
	return nil
}

// RunInTransaction commits in memory and then writes the changed buckets.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.persist(ctx)
}

// Ping checks that the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle to tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file.
func (s *Store) Path() string { return s.path }
