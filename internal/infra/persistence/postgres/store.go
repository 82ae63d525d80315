// Package postgres provides a Postgres-backed document store that keeps the
// working set in memory and writes every committed document through to a
// JSONB table.
package postgres

import (
	"catalogcore/internal/infra/persistence/memory"
	"catalogcore/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.DocumentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/catalog?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		seq BIGSERIAL,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
}

// Store persists documents to Postgres while reusing the in-memory
// implementation for queries and transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the tables exist and hydrates the in-memory store from them.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	s.Store = memory.NewStore(memory.WithCommitHook(s.persist))
	s.ImportState(snapshot)
	return s, nil
}

// Increment allocates counter values in the counters table, so every
// process sharing the database observes a single sequence. The value is
// consumed even when the caller's transaction later aborts.
func (s *Store) Increment(ctx context.Context, counter string, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters(name,value) VALUES($1,$2) ON CONFLICT(name) DO UPDATE SET value=counters.value+EXCLUDED.value RETURNING value`,
		counter, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	if err := s.SetCounter(ctx, counter, value); err != nil {
		return 0, err
	}
	return value, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close(context.Context) error { return s.db.Close() }

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Collections: map[string][]domain.Document{},
		Counters:    map[string]int64{},
	}
	rows, err := db.QueryContext(ctx, `SELECT collection, id, payload FROM documents ORDER BY seq`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var collection, id string
		var payload []byte
		if err := rows.Scan(&collection, &id, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan document: %w", err)
		}
		var doc domain.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		doc["_id"] = id
		snapshot.Collections[collection] = append(snapshot.Collections[collection], doc)
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate documents: %w", err)
	}

	counterRows, err := db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select counters: %w", err)
	}
	defer func() { _ = counterRows.Close() }()
	for counterRows.Next() {
		var name string
		var value int64
		if err := counterRows.Scan(&name, &value); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan counter: %w", err)
		}
		snapshot.Counters[name] = value
	}
	if err := counterRows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate counters: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, changed map[string][]string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for collection, ids := range changed {
		for _, id := range ids {
			doc, ok := s.Lookup(collection, id)
			if !ok {
				if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, collection, id); err != nil {
					return fmt.Errorf("delete %s/%s: %w", collection, id, err)
				}
				continue
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", collection, id, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO documents(collection,id,payload) VALUES($1,$2,$3) ON CONFLICT(collection,id) DO UPDATE SET payload=EXCLUDED.payload`, collection, id, data); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
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
