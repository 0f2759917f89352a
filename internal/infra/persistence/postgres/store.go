// Package postgres keeps the primary store in PostgreSQL. Transactions run
// against the embedded memory store; every commit then upserts the buckets
// whose JSON changed into kobocat_state.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"kobocat/internal/infra/persistence/memory"
	"kobocat/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/kobocat?sslmode=disable"

	createStateTable = `CREATE TABLE IF NOT EXISTS kobocat_state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	selectState = `SELECT bucket, payload FROM kobocat_state`
	upsertState = `INSERT INTO kobocat_state (bucket, payload) VALUES ($1, $2)
		ON CONFLICT (bucket) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a memory.Store made durable in Postgres.
type Store struct {
	*memory.Store
	db *sql.DB

	mu      sync.Mutex
	written map[string][]byte
}

// NewStore connects to dsn, creating kobocat_state when missing, and loads
// the last committed state.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createStateTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kobocat_state: %w", err)
	}
	snapshot, written, err := load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, written: written}, nil
}

// RunInTransaction commits in memory first and then persists. A failed
// persist is returned even though the in-memory commit stands.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.persist(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func load(ctx context.Context, db *sql.DB) (memory.Snapshot, map[string][]byte, error) {
	rows, err := db.QueryContext(ctx, selectState)
	if err != nil {
		return memory.Snapshot{}, nil, fmt.Errorf("select kobocat_state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	written := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, nil, fmt.Errorf("scan kobocat_state: %w", err)
		}
		target := snapshot.BucketTarget(bucket)
		if target == nil || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return memory.Snapshot{}, nil, fmt.Errorf("decode bucket %s: %w", bucket, err)
		}
		written[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, nil, fmt.Errorf("iterate kobocat_state: %w", err)
	}
	return snapshot, written, nil
}

// persist upserts the changed buckets in one database transaction.
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

// OverrideSQLOpen swaps the connection constructor for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
