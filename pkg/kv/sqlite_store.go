package kv

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a key-value Store backend over a single SQLite table.
// It holds no lock of its own; SetMany, DeleteMany, Increment and CAS
// swaps each run in a single transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a key-value table on an existing
// *sql.DB, matching the teacher's migrate-on-construct idiom.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) AfterOpen(context.Context) error { return nil }

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ErrOther(err.Error())
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	if err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM kv_entries WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, ErrOther(err.Error())
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_entries`)
	if err != nil {
		return nil, ErrOther(err.Error())
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, ErrOther(err.Error())
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrOther(err.Error())
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLiteStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (s *SQLiteStore) SetMany(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrOther(err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return ErrOther(err.Error())
	}
	defer func() { _ = stmt.Close() }()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return ErrOther(err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

func (s *SQLiteStore) DeleteMany(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrOther(err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM kv_entries WHERE key = ?`)
	if err != nil {
		return ErrOther(err.Error())
	}
	defer func() { _ = stmt.Close() }()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return ErrOther(err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return ErrOther(err.Error())
	}
	return nil
}

// Increment applies delta to an 8-byte little-endian signed counter
// representation within a single transaction; a malformed stored value
// is a runtime error, an absent key is treated as zero.
func (s *SQLiteStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ErrOther(err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var stored []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, ErrOther(err.Error())
	default:
		if len(stored) != 8 {
			return 0, fmt.Errorf("increment: malformed stored value for key %q", key)
		}
		current = int64(binary.LittleEndian.Uint64(stored))
	}

	next := current + delta
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(next))

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, buf)
	if err != nil {
		return 0, ErrOther(err.Error())
	}
	if err := tx.Commit(); err != nil {
		return 0, ErrOther(err.Error())
	}
	return next, nil
}

func (s *SQLiteStore) NewCompareAndSwap(ctx context.Context, bucketHandle uint32, key string) (Cas, error) {
	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &sqliteCas{store: s, bucketHandle: bucketHandle, key: key, observed: current}, nil
}

type sqliteCas struct {
	store        *SQLiteStore
	bucketHandle uint32
	key          string
	observed     []byte
}

func (c *sqliteCas) Current(context.Context) ([]byte, error) { return c.observed, nil }

func (c *sqliteCas) Swap(ctx context.Context, value []byte) error {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrOther(err.Error())
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, c.key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return ErrOther(err.Error())
	}
	if !bytesEqual(current, c.observed) {
		return &SwapError{CasFailed: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, c.key, value)
	if err != nil {
		return ErrOther(err.Error())
	}
	return tx.Commit()
}

func (c *sqliteCas) BucketHandle() uint32 { return c.bucketHandle }
func (c *sqliteCas) Key() string          { return c.key }
