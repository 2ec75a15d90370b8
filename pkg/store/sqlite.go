package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver
)

// SQLiteStore persists keys and lists in a local SQLite file, in the
// shape of the teacher's ControlDB: WAL journaling, a busy_timeout so
// concurrent writers block rather than error, one mutex guarding the
// compare-and-swap/compare-and-delete critical sections that SQL alone
// can't express as a single statement. It exists for local/dev runs where
// standing up Redis is overkill; per §1/§6 the server is still ephemeral
// — a restart loses nothing Redis would have kept either, since this
// store is scoped to one process's on-disk working copy, not replicated,
// and is never advertised as a durability guarantee across deployments.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a SQLite-backed Store at
// path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS kv(
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS kv_list(
  key TEXT NOT NULL,
  idx INTEGER NOT NULL,
  value BLOB NOT NULL,
  PRIMARY KEY(key, idx)
);
CREATE TABLE IF NOT EXISTS kv_list_meta(
  key TEXT PRIMARY KEY,
  expires_at INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func expiresAtUnix(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key=?`, key)
	var value []byte
	var expiresAt int64
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expiresAt != 0 && time.Now().UnixMilli() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(key, value, expires_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, expiresAtUnix(ttl))
	return err
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Get(ctx, key); err == nil {
		return ErrExists
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kv(key, value, expires_at) VALUES(?, ?, ?)`,
		key, value, expiresAtUnix(ttl))
	return err
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound) && expected == nil:
		return s.Set(ctx, key, value, ttl)
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case err != nil:
		return err
	case string(cur) != string(expected):
		return ErrVersionMismatch
	default:
		return s.Set(ctx, key, value, ttl)
	}
}

func (s *SQLiteStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key)
	return err
}

func (s *SQLiteStore) Touch(ctx context.Context, key string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE kv SET expires_at=? WHERE key=?`, expiresAtUnix(ttl), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendList(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_list WHERE key=?`, key).Scan(&n); err != nil {
		return 0, err
	}
	if n >= maxLen {
		return 0, ErrListFull
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO kv_list(key, idx, value) VALUES(?, ?, ?)`, key, n, value); err != nil {
		return 0, err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_list_meta(key, expires_at) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at`, key, expiresAtUnix(ttl))
	return n, err
}

func (s *SQLiteStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv_list_meta WHERE key=?`, key).Scan(&expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil && expiresAt.Valid && expiresAt.Int64 != 0 && time.Now().UnixMilli() > expiresAt.Int64 {
		s.mu.Lock()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_list WHERE key=?`, key)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_list_meta WHERE key=?`, key)
		s.mu.Unlock()
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT value FROM kv_list WHERE key=? ORDER BY idx ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
