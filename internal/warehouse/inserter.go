package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"schemblsync/internal/chemfile"
)

// Inserter bulk-writes compounds into a table on a pinned connection.
type Inserter interface {
	Name() string
	Insert(ctx context.Context, conn *sql.Conn, table Ident, rows []chemfile.Compound) (int64, error)
}

// SelectInserter picks the fastest path the underlying driver offers:
// COPY for pgx, the Appender for duckdb, LOAD DATA LOCAL for mysql servers
// that allow it, multi-row INSERT otherwise.
func SelectInserter(ctx context.Context, conn *sql.Conn, d Dialect, batch int) (Inserter, error) {
	var ins Inserter
	err := conn.Raw(func(dc any) error {
		switch dc.(type) {
		case *stdlib.Conn:
			ins = copyInserter{}
		case *duckdb.Conn:
			ins = appenderInserter{}
		default:
			ins = rowInserter{dialect: d, batch: batch}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("raw connection: %w", err)
	}
	if d == MySQL {
		ok, err := localInfile(ctx, conn)
		if err != nil {
			return nil, err
		}
		if ok {
			ins = loadDataInserter{}
		}
	}
	return ins, nil
}

type copyInserter struct{}

func (copyInserter) Name() string { return "copy" }

func (copyInserter) Insert(ctx context.Context, conn *sql.Conn, table Ident, rows []chemfile.Compound) (int64, error) {
	var n int64
	err := conn.Raw(func(dc any) error {
		pc, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("copy needs a pgx connection, got %T", dc)
		}
		ident := pgx.Identifier{table.Name}
		if table.Schema != "" {
			ident = pgx.Identifier{table.Schema, table.Name}
		}
		var err error
		n, err = pc.Conn().CopyFrom(ctx, ident, chemfile.Columns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return rows[i].Values(), nil
		}))
		return err
	})
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", table.Quoted(), err)
	}
	return n, nil
}

type appenderInserter struct{}

func (appenderInserter) Name() string { return "appender" }

func (appenderInserter) Insert(_ context.Context, conn *sql.Conn, table Ident, rows []chemfile.Compound) (int64, error) {
	var n int64
	err := conn.Raw(func(dc any) error {
		dconn, ok := dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("appender needs a duckdb connection, got %T", dc)
		}
		app, err := duckdb.NewAppenderFromConn(dconn, table.Schema, table.Name)
		if err != nil {
			return err
		}
		for _, c := range rows {
			vals := c.Values()
			dv := make([]driver.Value, len(vals))
			for i, v := range vals {
				dv[i] = v
			}
			if err := app.AppendRow(dv...); err != nil {
				_ = app.Close()
				return fmt.Errorf("append %d: %w", c.ID, err)
			}
			n++
		}
		return app.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("append into %s: %w", table.Quoted(), err)
	}
	return n, nil
}

type rowInserter struct {
	dialect Dialect
	batch   int
}

func (rowInserter) Name() string { return "insert" }

func (r rowInserter) Insert(ctx context.Context, conn *sql.Conn, table Ident, rows []chemfile.Compound) (int64, error) {
	batch := r.batch
	if batch <= 0 {
		batch = 500
	}
	batch = min(batch, r.dialect.maxParams()/len(chemfile.Columns))
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for start := 0; start < len(rows); start += batch {
		chunk := rows[start:min(start+batch, len(rows))]
		query, args := r.statement(table, chunk)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table.Quoted(), err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			n += affected
		} else {
			n += int64(len(chunk))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return n, nil
}

func (r rowInserter) statement(table Ident, rows []chemfile.Compound) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO " + table.Quoted() + " (" + columnList + ") VALUES ")
	args := make([]any, 0, len(rows)*len(chemfile.Columns))
	for i, c := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
		args = append(args, c.Values()...)
	}
	return r.dialect.Bind(b.String()), args
}
