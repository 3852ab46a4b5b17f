package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteOptions configures the SQLite backend.
type SQLiteOptions struct {
	Path          string
	Now           func() time.Time
	SweepSchedule string
}

// SQLite is a single-node durable Store. Expiry is stored as unix nanoseconds,
// zero meaning never. The pool is pinned to one connection so every
// transaction is serialized.
type SQLite struct {
	db      *sql.DB
	now     func() time.Time
	sweeper *sweeper
}

// NewSQLite opens (or creates) the database at opts.Path.
func NewSQLite(opts SQLiteOptions) (*SQLite, error) {
	if opts.Path == "" {
		return nil, errors.New("kv: sqlite path is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db, now: now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	sw, err := startSweeper(opts.SweepSchedule, BackendSQLite, s.Sweep)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.sweeper = sw
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv_scalar (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS kv_list_meta (
			key TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS kv_list_item (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_list_item_key ON kv_list_item(key, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) nowNanos() int64 {
	return s.now().UnixNano()
}

func (s *SQLite) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLite) scalarLive(ctx context.Context, q queryer, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx,
		"SELECT value FROM kv_scalar WHERE key = ? AND (expires_at = 0 OR expires_at > ?)",
		key, s.nowNanos(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLite) listLive(ctx context.Context, q queryer, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM kv_list_meta WHERE key = ? AND (expires_at = 0 OR expires_at > ?)",
		key, s.nowNanos(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func deleteKey(ctx context.Context, tx *sql.Tx, key string) error {
	for _, stmt := range []string{
		"DELETE FROM kv_scalar WHERE key = ?",
		"DELETE FROM kv_list_meta WHERE key = ?",
		"DELETE FROM kv_list_item WHERE key = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	value, ok, err := s.scalarLive(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}
	isList, err := s.listLive(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if isList {
		return nil, ErrWrongType
	}
	return nil, ErrNotFound
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteKey(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO kv_scalar (key, value, expires_at) VALUES (?, ?, ?)",
			key, value, s.deadline(ttl),
		)
		return err
	})
}

func (s *SQLite) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	set := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, exists, err := s.scalarLive(ctx, tx, key)
		if err != nil {
			return err
		}
		if !exists {
			exists, err = s.listLive(ctx, tx, key)
			if err != nil {
				return err
			}
		}
		if exists {
			return nil
		}
		if err := deleteKey(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO kv_scalar (key, value, expires_at) VALUES (?, ?, ?)",
			key, value, s.deadline(ttl),
		); err != nil {
			return err
		}
		set = true
		return nil
	})
	return set, err
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			if err := deleteKey(ctx, tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.nowNanos()
	deadline := s.deadline(ttl)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE kv_scalar SET expires_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at > ?)",
			deadline, key, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE kv_list_meta SET expires_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at > ?)",
			deadline, key, now,
		)
		return err
	})
}

func (s *SQLite) RPush(ctx context.Context, key string, ttl time.Duration, values ...[]byte) (int64, error) {
	var length int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, isScalar, err := s.scalarLive(ctx, tx, key)
		if err != nil {
			return err
		}
		if isScalar {
			return ErrWrongType
		}
		live, err := s.listLive(ctx, tx, key)
		if err != nil {
			return err
		}
		if !live {
			// Drop leftovers of an expired list or scalar before reusing the key.
			if err := deleteKey(ctx, tx, key); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO kv_list_meta (key, expires_at) VALUES (?, ?)",
			key, s.deadline(ttl),
		); err != nil {
			return err
		}
		for _, v := range values {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO kv_list_item (key, value) VALUES (?, ?)", key, v,
			); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM kv_list_item WHERE key = ?", key,
		).Scan(&length)
	})
	return length, err
}

func (s *SQLite) LLen(ctx context.Context, key string) (int64, error) {
	live, err := s.listLive(ctx, s.db, key)
	if err != nil || !live {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_list_item WHERE key = ?", key).Scan(&n)
	return n, err
}

func (s *SQLite) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		live, err := s.listLive(ctx, tx, key)
		if err != nil || !live {
			return err
		}
		var length int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM kv_list_item WHERE key = ?", key,
		).Scan(&length); err != nil {
			return err
		}
		lo, hi, ok := rangeBounds(length, start, stop)
		if !ok {
			return nil
		}
		out, err = scanValues(tx.QueryContext(ctx,
			"SELECT value FROM kv_list_item WHERE key = ? ORDER BY id LIMIT ? OFFSET ?",
			key, hi-lo, lo,
		))
		return err
	})
	return out, err
}

func (s *SQLite) PopAll(ctx context.Context, key string) ([][]byte, error) {
	var out [][]byte
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		live, err := s.listLive(ctx, tx, key)
		if err != nil {
			return err
		}
		if live {
			out, err = scanValues(tx.QueryContext(ctx,
				"SELECT value FROM kv_list_item WHERE key = ? ORDER BY id", key,
			))
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM kv_list_item WHERE key = ?", key); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM kv_list_meta WHERE key = ?", key)
		return err
	})
	return out, err
}

func scanValues(rows *sql.Rows, err error) ([][]byte, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Sweep deletes expired rows and returns how many keys were removed.
func (s *SQLite) Sweep() (int, error) {
	ctx := context.Background()
	now := s.nowNanos()
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM kv_scalar WHERE expires_at != 0 AND expires_at <= ?", now)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += int(n)

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv_list_item WHERE key IN (
				SELECT key FROM kv_list_meta WHERE expires_at != 0 AND expires_at <= ?
			)`, now); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx,
			"DELETE FROM kv_list_meta WHERE expires_at != 0 AND expires_at <= ?", now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += int(n)
		return nil
	})
	return removed, err
}

func (s *SQLite) Close() error {
	s.sweeper.stop()
	return s.db.Close()
}
