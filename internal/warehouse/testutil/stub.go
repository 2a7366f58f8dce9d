// Package testutil provides a statement-recording stub database for
// exercising the postgres and mysql dialects without a server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// StubConn records every statement and answers the handful of queries the
// warehouse issues: row counts, primary-key lookups and the load-state row.
type StubConn struct {
	mu sync.Mutex

	Execs   []string
	Queries []string

	RowCount  int64
	PKPresent bool
	// LocalInfile is the reported value of @@GLOBAL.local_infile.
	LocalInfile bool
	// State holds phase, run_id, dir and updated_at once a state upsert ran.
	State []driver.Value

	FailOn     map[string]error
	FailBegin  bool
	FailCommit bool
}

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{PKPresent: true, FailOn: map[string]error{}}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Statements returns a copy of the recorded exec statements.
func (c *StubConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Execs...)
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error { return c.failure("PING") }

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

func (c *StubConn) failure(query string) error {
	for frag, err := range c.FailOn {
		if strings.Contains(query, frag) {
			return err
		}
	}
	return nil
}

func normalize(query string) string { return strings.Join(strings.Fields(query), " ") }

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	query = normalize(query)
	c.Execs = append(c.Execs, query)
	if err := c.failure(query); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(query)
	switch {
	case strings.Contains(upper, "SCHEMBL_SYNC_STATE") && strings.HasPrefix(upper, "INSERT INTO"):
		if len(args) != 5 {
			return nil, fmt.Errorf("state upsert expects 5 args, got %d", len(args))
		}
		c.State = []driver.Value{args[1].Value, args[2].Value, args[3].Value, args[4].Value}
	case strings.Contains(upper, "DROP CONSTRAINT"), strings.Contains(upper, "DROP PRIMARY KEY"):
		c.PKPresent = false
	case strings.Contains(upper, "ADD CONSTRAINT"):
		c.PKPresent = true
	case strings.HasPrefix(upper, "INSERT INTO") && strings.Contains(upper, " VALUES "):
		return driver.RowsAffected(int64(len(args) / 4)), nil
	}
	return driver.RowsAffected(0), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	query = normalize(query)
	c.Queries = append(c.Queries, query)
	if err := c.failure(query); err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(query, "local_infile"):
		n := int64(0)
		if c.LocalInfile {
			n = 1
		}
		return &stubRows{cols: []string{"local_infile"}, rows: [][]driver.Value{{n}}}, nil
	case strings.Contains(query, "pg_constraint"), strings.Contains(query, "information_schema.table_constraints"):
		n := int64(0)
		if c.PKPresent {
			n = 1
		}
		return &stubRows{cols: []string{"count"}, rows: [][]driver.Value{{n}}}, nil
	case strings.Contains(query, "schembl_sync_state"):
		if c.State == nil {
			return &stubRows{cols: []string{"phase", "run_id", "dir", "updated_at"}}, nil
		}
		return &stubRows{cols: []string{"phase", "run_id", "dir", "updated_at"}, rows: [][]driver.Value{c.State}}, nil
	case strings.HasPrefix(strings.ToUpper(query), "SELECT COUNT(*)"):
		return &stubRows{cols: []string{"count"}, rows: [][]driver.Value{{c.RowCount}}}, nil
	}
	return nil, fmt.Errorf("stub cannot answer %q", query)
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}
func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
