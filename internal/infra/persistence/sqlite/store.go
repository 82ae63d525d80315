// Package sqlite provides a single-file document store backed by the pure Go
// SQLite driver. The working set lives in memory; committed documents are
// written through to a JSON table.
package sqlite

import (
	"catalogcore/internal/infra/persistence/memory"
	"catalogcore/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.DocumentStore = (*Store)(nil)

// Store persists documents to SQLite after every committed transaction.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a write-through SQLite-backed store.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "catalog.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (collection, id)
	)`); err != nil {
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create counters table: %w", err)
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(memory.WithCommitHook(s.persist))
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, id, payload FROM documents ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{
		Collections: map[string][]domain.Document{},
		Counters:    map[string]int64{},
	}
	for rows.Next() {
		var collection, id string
		var payload []byte
		if err := rows.Scan(&collection, &id, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var doc domain.Document
		if err := json.Unmarshal(payload, &doc); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		doc["_id"] = id
		snapshot.Collections[collection] = append(snapshot.Collections[collection], doc)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}
	counterRows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return fmt.Errorf("select counters: %w", err)
	}
	defer func() { _ = counterRows.Close() }()
	for counterRows.Next() {
		var name string
		var value int64
		if err := counterRows.Scan(&name, &value); err != nil {
			return fmt.Errorf("scan counter: %w", err)
		}
		snapshot.Counters[name] = value
	}
	if err := counterRows.Err(); err != nil {
		return fmt.Errorf("iterate counters: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, changed map[string][]string, _ []string) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for collection, ids := range changed {
		for _, id := range ids {
			doc, ok := s.Lookup(collection, id)
			if !ok {
				if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collection, id); err != nil {
					return fmt.Errorf("delete %s/%s: %w", collection, id, err)
				}
				continue
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", collection, id, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO documents(collection,id,payload) VALUES(?,?,?) ON CONFLICT(collection,id) DO UPDATE SET payload=excluded.payload`, collection, id, data); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
			}
		}
	}
	return tx.Commit()
}

// Increment adds delta to the counter row and returns the stored value, so
// stores opened on the same file never allocate the same value twice.
func (s *Store) Increment(ctx context.Context, counter string, delta int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters(name,value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value=counters.value+excluded.value RETURNING value`,
		counter, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	if err := s.SetCounter(ctx, counter, value); err != nil {
		return 0, err
	}
	return value, nil
}

// Close closes the database handle.
func (s *Store) Close(context.Context) error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
