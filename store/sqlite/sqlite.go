package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/risa-org/streamlink/cache"
	"github.com/risa-org/streamlink/message"
)

// Store is a sqlite-backed implementation of cache.Store.
// Cached messages survive client restarts, so a restarted client can still
// resolve references to messages it saw in an earlier process.
type Store struct {
	db    *sql.DB
	codec message.Codec
}

type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
CREATE TABLE IF NOT EXISTS messages (
	hash TEXT PRIMARY KEY,
	body BLOB NOT NULL,
	last_accessed_run INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_last_accessed_run ON messages(last_accessed_run);
`,
	},
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, codec: message.JSONCodec{}}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, hash string) (cache.Entry, bool, error) {
	var (
		body []byte
		run  int
	)
	err := s.db.QueryRowContext(ctx, `SELECT body, last_accessed_run FROM messages WHERE hash = ?`, hash).Scan(&body, &run)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("select message: %w", err)
	}
	msg, err := s.codec.Decode(body)
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached message %s: %w", hash, err)
	}
	return cache.Entry{Message: msg, LastAccessedRun: run}, true, nil
}

func (s *Store) Put(ctx context.Context, hash string, e cache.Entry) error {
	if e.Message == nil {
		return fmt.Errorf("put %s: nil message", hash)
	}
	body, err := s.codec.Encode(e.Message)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", hash, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO messages(hash, body, last_accessed_run)
VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET
	body=excluded.body,
	last_accessed_run=excluded.last_accessed_run
`, hash, body, e.LastAccessedRun)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (s *Store) EvictBefore(ctx context.Context, run int) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE last_accessed_run < ?`, run)
	if err != nil {
		return 0, fmt.Errorf("evict messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict messages: %w", err)
	}
	return int(n), nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
