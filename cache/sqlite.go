package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteManager struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteStore struct {
	m    *SQLiteManager
	name string
}

// NewSQLiteManager opens the stores kept in the given sqlite db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteManager(filename string) (*SQLiteManager, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init %s: %w", filename, err)
		}
	}
	return &SQLiteManager{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteManager) Open(ctx context.Context, name string) (Store, error) {
	// opening an existing store is a plain read, it does not queue behind writes
	if store, err := s.Lookup(ctx, name); err == nil {
		return store, nil
	} else if !errors.Is(err, ErrStoreNotFound) {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteStore{m: s, name: name}, nil
}

func (s *SQLiteManager) Lookup(ctx context.Context, name string) (Store, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	return sqliteStore{m: s, name: name}, nil
}

func (s *SQLiteManager) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteManager) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY created_at, rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteManager) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx, `SELECT e.bytes FROM entries e
		JOIN stores s ON s.name = e.store
		WHERE e.key = ?
		ORDER BY s.created_at, s.rowid
		LIMIT 1`, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLiteManager) Close() error {
	return s.db.Close()
}

func (s sqliteStore) Name() string {
	return s.name
}

func (s sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.m.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE store = ? AND key = ?", s.name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s sqliteStore) Put(ctx context.Context, key string, bytes []byte) error {
	s.m.writeMutex.Lock()
	defer s.m.writeMutex.Unlock()
	// writes through a handle of a deleted store must not resurrect it
	result, err := s.m.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries (store, key, bytes)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`,
		s.name, key, bytes, s.name)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.m.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ? ORDER BY key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
