package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for durable single-node state.
//
// The pool is capped at one connection, so Update transactions serialize
// at the connection: a read-modify-write cycle runs to completion before
// the next caller's transaction can begin. WAL mode keeps the database
// readable by other processes while a transaction is open.
type SQLiteStore struct {
	db        *sql.DB
	done      chan struct{}
	closeOnce sync.Once

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// SQLiteStoreConfig configures the SQLite backend.
type SQLiteStoreConfig struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	// BusyTimeout is how long to wait for the write lock before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration

	// SweepInterval is how often expired rows are reclaimed.
	// Default: 1 minute.
	SweepInterval time.Duration
}

// NewSQLiteStore creates a SQLite-backed store with default settings.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{Path: path})
}

// NewSQLiteStoreWithConfig creates a SQLite-backed store with custom settings.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	// SQLite supports a single writer; funneling through one connection
	// avoids SQLITE_BUSY churn under concurrent Update calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:   db,
		done: make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: prepare statements: %w", err)
	}

	go s.sweepLoop(cfg.SweepInterval)

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS engine_state (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_engine_state_expires ON engine_state(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`
		SELECT value FROM engine_state
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`)
	if err != nil {
		return err
	}

	s.setStmt, err = s.db.Prepare(`
		INSERT INTO engine_state (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		return err
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM engine_state WHERE key = ?`)
	if err != nil {
		return err
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT key, value FROM engine_state
		WHERE key >= ? AND key < ? AND (expires_at IS NULL OR expires_at > ?)
	`)
	return err
}

// sqliteTx implements Tx inside a database transaction.
type sqliteTx struct {
	dbtx    *sql.Tx
	allowed map[string]bool
	now     time.Time
	err     error
}

func (t *sqliteTx) Get(key string) ([]byte, bool) {
	if !t.allowed[key] || t.err != nil {
		return nil, false
	}
	var value []byte
	err := t.dbtx.QueryRow(
		`SELECT value FROM engine_state WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, t.now.UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		t.err = err
		return nil, false
	}
	return value, true
}

func (t *sqliteTx) Set(key string, value []byte, ttl time.Duration) {
	if !t.allowed[key] || t.err != nil {
		return
	}
	var expiresAt any
	if ttl > 0 {
		expiresAt = t.now.Add(ttl).UnixMilli()
	}
	_, err := t.dbtx.Exec(`
		INSERT INTO engine_state (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		t.err = err
	}
}

func (t *sqliteTx) Delete(key string) {
	if !t.allowed[key] || t.err != nil {
		return
	}
	if _, err := t.dbtx.Exec(`DELETE FROM engine_state WHERE key = ?`, key); err != nil {
		t.err = err
	}
}

// Update runs fn inside a database transaction. The single-connection
// pool guarantees no two transactions interleave.
func (s *SQLiteStore) Update(ctx context.Context, keys []string, fn func(tx Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrUnavailable
	}

	tx := &sqliteTx{
		dbtx:    dbtx,
		allowed: make(map[string]bool, len(keys)),
		now:     time.Now(),
	}
	for _, k := range keys {
		tx.allowed[k] = true
	}

	if err := fn(tx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if tx.err != nil {
		_ = dbtx.Rollback()
		return ErrUnavailable
	}
	if err := dbtx.Commit(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Get reads a single key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.getStmt.QueryRowContext(ctx, key, time.Now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrUnavailable
	}
	return value, true, nil
}

// Set writes a single key with a TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	if _, err := s.setStmt.ExecContext(ctx, key, value, expiresAt); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Delete removes a single key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return ErrUnavailable
	}
	return nil
}

// List returns all live keys with the given prefix. The prefix scan uses a
// half-open key range so the index on the primary key is usable.
func (s *SQLiteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	// "\xff" sorts after any printable key suffix used by the engine.
	rows, err := s.listStmt.QueryContext(ctx, prefix, prefix+"\xff", time.Now().UnixMilli())
	if err != nil {
		return nil, ErrUnavailable
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, ErrUnavailable
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, ErrUnavailable
	}
	return out, nil
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec(
				`DELETE FROM engine_state WHERE expires_at IS NOT NULL AND expires_at <= ?`,
				time.Now().UnixMilli(),
			)
		case <-s.done:
			return
		}
	}
}
