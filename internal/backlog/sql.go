package backlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Table is the backlog table name in the destination database.
const Table = "schembl_sync_backlog"

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore keeps one row per pending directory in Table. Rows are written in
// autocommit mode, so each Add or Remove is durable on return.
type SQLStore struct {
	db      *sql.DB
	dialect string
	prefix  string
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates Table when absent. dialect is "postgres", "mysql",
// "sqlite" or "duckdb"; schema optionally qualifies the table on postgres.
// mysql connections are expected to run with ANSI_QUOTES.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect, schema string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if schema != "" {
		s.prefix = `"` + schema + `".`
	}
	// mysql cannot key a TEXT column without a prefix length.
	dirType := "TEXT"
	if dialect == "mysql" {
		dirType = "VARCHAR(512)"
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
	dir ` + dirType + ` PRIMARY KEY,
	granularity TEXT NOT NULL,
	reason TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	first_seen TEXT NOT NULL,
	last_attempt TEXT NOT NULL
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure backlog table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) table() string { return s.prefix + `"` + Table + `"` }

// bind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Add implements Store.
func (s *SQLStore) Add(ctx context.Context, e Entry) error {
	e = stamp(e, s.now())
	q := s.bind(`INSERT INTO ` + s.table() + ` (dir, granularity, reason, attempts, last_error, first_seen, last_attempt)
VALUES (?, ?, ?, ?, ?, ?, ?)
` + s.onConflict())
	_, err := s.db.ExecContext(ctx, q, e.Dir, e.Granularity, e.Reason, e.Attempts, e.LastError,
		e.FirstSeen.Format(timeLayout), e.LastAttempt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("backlog add %s: %w", e.Dir, err)
	}
	return nil
}

func (s *SQLStore) onConflict() string {
	if s.dialect == "mysql" {
		return `ON DUPLICATE KEY UPDATE
	granularity = VALUES(granularity),
	reason = VALUES(reason),
	attempts = attempts + 1,
	last_error = VALUES(last_error),
	last_attempt = VALUES(last_attempt)`
	}
	return `ON CONFLICT (dir) DO UPDATE SET
	granularity = excluded.granularity,
	reason = excluded.reason,
	attempts = ` + Table + `.attempts + 1,
	last_error = excluded.last_error,
	last_attempt = excluded.last_attempt`
}

// Remove implements Store.
func (s *SQLStore) Remove(ctx context.Context, dir string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM `+s.table()+` WHERE dir = ?`), dir); err != nil {
		return fmt.Errorf("backlog remove %s: %w", dir, err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT dir, granularity, reason, attempts, last_error, first_seen, last_attempt FROM `+
		s.table()+` ORDER BY first_seen, dir`)
	if err != nil {
		return nil, fmt.Errorf("backlog list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			first, last string
		)
		if err := rows.Scan(&e.Dir, &e.Granularity, &e.Reason, &e.Attempts, &e.LastError, &first, &last); err != nil {
			return nil, fmt.Errorf("backlog scan: %w", err)
		}
		if e.FirstSeen, err = time.Parse(timeLayout, first); err != nil {
			return nil, fmt.Errorf("backlog %s first_seen: %w", e.Dir, err)
		}
		if e.LastAttempt, err = time.Parse(timeLayout, last); err != nil {
			return nil, fmt.Errorf("backlog %s last_attempt: %w", e.Dir, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backlog list: %w", err)
	}
	return out, nil
}

// Len implements Store.
func (s *SQLStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("backlog count: %w", err)
	}
	return n, nil
}
