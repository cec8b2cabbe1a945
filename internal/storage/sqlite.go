package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"signbot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

var _ Storage = (*SQLite)(nil)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// SetClock overrides the time source used for expiry (useful for testing).
func (s *SQLite) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Incr increments a counter in a single statement so concurrent callers never
// lose an update.
func (s *SQLite) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now().UTC()
	nowStr := now.Format(timeLayout)
	expires := now.Add(ttl).Format(timeLayout)

	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO throttle_counters (key, value, expires_at) VALUES (?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = CASE WHEN throttle_counters.expires_at <= ? THEN 1 ELSE throttle_counters.value + 1 END,
		   expires_at = CASE WHEN throttle_counters.expires_at <= ? THEN excluded.expires_at ELSE throttle_counters.expires_at END
		 RETURNING value`,
		key, expires, nowStr, nowStr,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return value, nil
}

// MarkSeen records that a revision from the given feed source has been handled.
func (s *SQLite) MarkSeen(ctx context.Context, source string, revID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_revisions (source, rev_id, seen_at) VALUES (?, ?, ?)`,
		source, revID, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// IsSeen checks whether a revision has already been handled.
func (s *SQLite) IsSeen(ctx context.Context, source string, revID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_revisions WHERE source = ? AND rev_id = ?`,
		source, revID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return count > 0, nil
}

// PruneSeen deletes seen revisions recorded before the given time.
func (s *SQLite) PruneSeen(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_revisions WHERE seen_at < ?`, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
