package cagg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed materialization store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB).
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.).
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int

	// MaxConnections is the max number of database connections.
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore is a durable MaterializationStore backed by SQLite. It also
// persists view definitions so an engine restart can rebuild its catalog
// with the materialized state intact.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	upsertStmt  *sql.Stmt
	readStmt    *sql.Stmt
	deleteStmt  *sql.Stmt
	putDefStmt  *sql.Stmt
	delDefStmt  *sql.Stmt
	listDefStmt *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a SQLite materialization store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "cagg.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{db: db, config: config}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Partial aggregate state per (view, bucket, group key)
		CREATE TABLE IF NOT EXISTS materialized (
			view TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			group_key TEXT NOT NULL,
			partial BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (view, bucket_start, group_key)
		);

		-- View catalog
		CREATE TABLE IF NOT EXISTS view_defs (
			name TEXT PRIMARY KEY,
			def TEXT NOT NULL,  -- JSON encoded ViewDefinition
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_materialized_view_bucket
			ON materialized(view, bucket_start);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO materialized (view, bucket_start, group_key, partial, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(view, bucket_start, group_key)
		DO UPDATE SET partial = excluded.partial, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.readStmt, err = s.db.Prepare(`
		SELECT bucket_start, group_key, partial FROM materialized
		WHERE view = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start, group_key
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare read statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM materialized WHERE view = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.putDefStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO view_defs (name, def, created_at) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare put def statement: %w", err)
	}

	s.delDefStmt, err = s.db.Prepare(`DELETE FROM view_defs WHERE name = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete def statement: %w", err)
	}

	s.listDefStmt, err = s.db.Prepare(`SELECT def FROM view_defs ORDER BY name`)
	if err != nil {
		return fmt.Errorf("failed to prepare list def statement: %w", err)
	}
	return nil
}

// Upsert stores the partial for one cell, replacing any prior state.
func (s *SQLiteStore) Upsert(ctx context.Context, view string, bucket BucketID, partial *PartialState) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.upsertStmt.ExecContext(ctx, view, bucket.Start, bucket.GroupKey,
		partial.Encode(), partial.LastTs)
	if err != nil {
		return &StoreError{Op: "upsert", View: view, Cause: err}
	}
	return nil
}

// ReadPartials returns the view's cells inside window, ordered by
// (bucket start, group key).
func (s *SQLiteStore) ReadPartials(ctx context.Context, view string, window Window, groupKeys []string) ([]MaterializedCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.readStmt.QueryContext(ctx, view, window.Low, window.High)
	if err != nil {
		return nil, &StoreError{Op: "read", View: view, Cause: err}
	}
	defer rows.Close()

	keySet := groupKeySet(groupKeys)
	var out []MaterializedCell
	for rows.Next() {
		var start int64
		var groupKey string
		var blob []byte
		if err := rows.Scan(&start, &groupKey, &blob); err != nil {
			return nil, &StoreError{Op: "read", View: view, Cause: err}
		}
		if keySet != nil && !keySet[groupKey] {
			continue
		}
		partial, err := DecodePartialState(blob)
		if err != nil {
			return nil, &StoreError{Op: "read", View: view, Cause: err}
		}
		out = append(out, MaterializedCell{
			Bucket:  BucketID{GroupKey: groupKey, Start: start},
			Partial: partial,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "read", View: view, Cause: err}
	}
	return out, nil
}

// DeleteView discards all cells of a view.
func (s *SQLiteStore) DeleteView(ctx context.Context, view string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.deleteStmt.ExecContext(ctx, view); err != nil {
		return &StoreError{Op: "delete", View: view, Cause: err}
	}
	return nil
}

// SaveViewDefinition persists a view definition to the catalog table.
func (s *SQLiteStore) SaveViewDefinition(ctx context.Context, def *ViewDefinition) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	encoded, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode view definition: %w", err)
	}
	_, err = s.putDefStmt.ExecContext(ctx, def.Name, string(encoded), def.Created.UnixNano())
	return err
}

// DeleteViewDefinition removes a view definition from the catalog table.
func (s *SQLiteStore) DeleteViewDefinition(ctx context.Context, name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.delDefStmt.ExecContext(ctx, name)
	return err
}

// LoadViewDefinitions reads every persisted view definition, ordered by
// name.
func (s *SQLiteStore) LoadViewDefinitions(ctx context.Context) ([]*ViewDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.listDefStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ViewDefinition
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, err
		}
		var def ViewDefinition
		if err := json.Unmarshal([]byte(encoded), &def); err != nil {
			return nil, fmt.Errorf("decode view definition: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// Close closes the database and invalidates prepared statements.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{
		s.upsertStmt, s.readStmt, s.deleteStmt,
		s.putDefStmt, s.delDefStmt, s.listDefStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
