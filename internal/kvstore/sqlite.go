package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded durable backend: one ordered table of opaque
// key/value blobs, with each flush committed as a single transaction so a
// crash never leaves a half-applied batch.
//
// WAL mode keeps reads concurrent with the flush worker's writes.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store database under rootPath.
func OpenSQLite(rootPath string) (*SQLite, error) {
	path := filepath.Join(rootPath, "forward-cache.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	// modernc.org/sqlite connections do not share an in-process page cache;
	// a single connection avoids SQLITE_BUSY between reader and flusher.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`CREATE TABLE IF NOT EXISTS kv (
			key   BLOB PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("kvstore: init %s: %w", path, err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, []byte(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get: %w", err)
	}
	return value, true, nil
}

func (s *SQLite) WriteBatch(set map[string][]byte, del []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kvstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	for k, v := range set {
		if _, err := tx.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			[]byte(k), v,
		); err != nil {
			return fmt.Errorf("kvstore: upsert: %w", err)
		}
	}
	for _, k := range del {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, []byte(k)); err != nil {
			return fmt.Errorf("kvstore: delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
