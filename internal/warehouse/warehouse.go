// Package warehouse loads compounds into the destination table.
//
// Each load follows a three-phase primary-key protocol recorded in
// schembl_sync_state: the key is dropped, staged rows are merged and
// duplicates removed in one transaction, then the key is restored. A state
// row left in constraint_dropped marks an interrupted load and is repaired by
// Recover.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // register duckdb as a database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // register sqlite as a database/sql driver

	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
	"schemblsync/internal/warehouse/sqlbundle"
)

// ErrConstraint reports that the primary key could not be restored, which
// means the table still holds duplicate identifiers.
var ErrConstraint = errors.New("primary key constraint could not be restored")

// Load phases.
const (
	PhaseClean             = "clean"
	PhaseConstraintDropped = "constraint_dropped"
)

const stateTimeLayout = time.RFC3339Nano

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the function used to open database handles and
// returns a restore func. Tests use it to inject stub drivers.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// State is the recorded protocol phase for a table.
type State struct {
	Table     string
	Phase     string
	RunID     string
	Dir       string
	UpdatedAt time.Time
}

// Result summarises one Load.
type Result struct {
	Inserter string
	Staged   int64
	Before   int64
	After    int64
}

// Added is the number of new identifiers the load contributed.
func (r Result) Added() int64 { return r.After - r.Before }

// Warehouse is a destination database handle.
type Warehouse struct {
	db      *sql.DB
	dialect Dialect
	names   names
	batch   int
	logger  *zap.Logger
	now     func() time.Time
	// inserter, when set, bypasses connection probing.
	inserter Inserter
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg config.DB, logger *zap.Logger) (*Warehouse, error) {
	d, err := ParseDialect(cfg.Type)
	if err != nil {
		return nil, err
	}
	dsn := cfg.ConnString()
	if d == MySQL {
		if dsn, err = mysqlDSN(cfg); err != nil {
			return nil, err
		}
	}
	openMu.Lock()
	db, err := sqlOpen(d.driver(), dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return New(db, d, cfg, logger), nil
}

// New wraps an open handle.
func New(db *sql.DB, d Dialect, cfg config.DB, logger *zap.Logger) *Warehouse {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := cfg.Table
	if table == "" {
		table = config.Default().DB.Table
	}
	schema := ""
	if d == Postgres {
		schema = cfg.Schema
	}
	return &Warehouse{
		db:      db,
		dialect: d,
		names:   newNames(schema, table),
		batch:   cfg.BatchSize,
		logger:  logger,
		now:     time.Now,
	}
}

// DB exposes the underlying handle for stores sharing the database.
func (w *Warehouse) DB() *sql.DB { return w.db }

// Dialect reports the destination dialect.
func (w *Warehouse) Dialect() Dialect { return w.dialect }

// Table returns the destination table identifier.
func (w *Warehouse) Table() Ident { return w.names.table }

// Close releases the handle.
func (w *Warehouse) Close() error { return w.db.Close() }

// EnsureSchema creates the destination, staging and state tables when absent.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	stmts, err := sqlbundle.Render(string(w.dialect), sqlbundle.Names{
		Table:      w.names.table.Quoted(),
		Staging:    w.names.staging.Quoted(),
		State:      w.names.state.Quoted(),
		PKey:       QuoteIdent(w.names.pkey),
		InChIIndex: QuoteIdent(w.names.inchi),
	})
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// Prepare ensures the schema, repairs an interrupted load and makes sure the
// primary key exists. It returns the interrupted load's state when a repair
// happened so its directory can be queued again.
func (w *Warehouse) Prepare(ctx context.Context) (*State, error) {
	if err := w.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	st, err := w.Recover(ctx)
	if err != nil {
		return st, err
	}
	if st == nil {
		if err := w.restorePK(ctx, w.db); err != nil {
			return nil, err
		}
	}
	return st, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (w *Warehouse) count(ctx context.Context, q execQuerier, t Ident) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.Quoted()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Quoted(), err)
	}
	return n, nil
}

// Count returns the destination table's row count.
func (w *Warehouse) Count(ctx context.Context) (int64, error) {
	return w.count(ctx, w.db, w.names.table)
}

func (w *Warehouse) hasPK(ctx context.Context, q execQuerier) (bool, error) {
	query, args := w.dialect.hasPK(w.names)
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("inspect primary key: %w", err)
	}
	return n > 0, nil
}

// restorePK dedupes and re-adds the key when it is missing.
func (w *Warehouse) restorePK(ctx context.Context, q execQuerier) error {
	ok, err := w.hasPK(ctx, q)
	if err != nil || ok {
		return err
	}
	if _, err := q.ExecContext(ctx, w.dialect.dedupe(w.names)); err != nil {
		return fmt.Errorf("dedupe %s: %w", w.names.table.Quoted(), err)
	}
	if _, err := q.ExecContext(ctx, w.dialect.addPK(w.names)); err != nil {
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	return nil
}

func (w *Warehouse) dropPK(ctx context.Context, q execQuerier) error {
	if w.dialect == MySQL {
		ok, err := w.hasPK(ctx, q)
		if err != nil || !ok {
			return err
		}
	}
	if _, err := q.ExecContext(ctx, w.dialect.dropPK(w.names)); err != nil {
		return fmt.Errorf("drop primary key: %w", err)
	}
	return nil
}

func (w *Warehouse) writeState(ctx context.Context, q execQuerier, phase, runID, dir string) error {
	_, err := q.ExecContext(ctx, w.dialect.upsertState(w.names),
		w.names.table.Name, phase, runID, dir, w.now().UTC().Format(stateTimeLayout))
	if err != nil {
		return fmt.Errorf("record %s state: %w", phase, err)
	}
	return nil
}

// ReadState returns the recorded state, or nil when none exists.
func (w *Warehouse) ReadState(ctx context.Context) (*State, error) {
	st := State{Table: w.names.table.Name}
	var updated string
	err := w.db.QueryRowContext(ctx, w.dialect.selectState(w.names), st.Table).Scan(&st.Phase, &st.RunID, &st.Dir, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read load state: %w", err)
	}
	if t, perr := time.Parse(stateTimeLayout, updated); perr == nil {
		st.UpdatedAt = t
	}
	return &st, nil
}

// Recover repairs a load interrupted between dropping and restoring the
// primary key: duplicates are removed, the key is re-added and the state is
// marked clean. It returns the interrupted state, or nil if nothing needed repair.
func (w *Warehouse) Recover(ctx context.Context) (*State, error) {
	st, err := w.ReadState(ctx)
	if err != nil || st == nil || st.Phase != PhaseConstraintDropped {
		return nil, err
	}
	w.logger.Warn("recovering interrupted load",
		zap.String("table", st.Table), zap.String("run_id", st.RunID), zap.String("dir", st.Dir))

	conn, err := w.db.Conn(ctx)
	if err != nil {
		return st, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := w.restorePK(ctx, conn); err != nil {
		return st, err
	}
	if _, err := conn.ExecContext(ctx, w.dialect.truncate(w.names.staging)); err != nil {
		return st, fmt.Errorf("clear staging: %w", err)
	}
	if err := w.writeState(ctx, conn, PhaseClean, st.RunID, st.Dir); err != nil {
		return st, err
	}
	return st, nil
}

// Load stages rows and merges them into the destination table for dir.
// Rows whose identifier is already present are ignored, so loading the same
// rows twice leaves the table unchanged.
func (w *Warehouse) Load(ctx context.Context, dir, runID string, rows []chemfile.Compound) (Result, error) {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var res Result
	if res.Before, err = w.count(ctx, conn, w.names.table); err != nil {
		return res, err
	}
	res.After = res.Before
	if len(rows) == 0 {
		return res, nil
	}

	ins := w.inserter
	if ins == nil {
		if ins, err = SelectInserter(ctx, conn, w.dialect, w.batch); err != nil {
			return res, err
		}
	}
	res.Inserter = ins.Name()
	if _, err := conn.ExecContext(ctx, w.dialect.truncate(w.names.staging)); err != nil {
		return res, fmt.Errorf("clear staging: %w", err)
	}
	if res.Staged, err = ins.Insert(ctx, conn, w.names.staging, rows); err != nil {
		return res, err
	}
	w.logger.Debug("staged rows", zap.String("dir", dir), zap.String("inserter", ins.Name()), zap.Int64("rows", res.Staged))

	// Phase 1: record intent, then drop the key.
	if err := w.writeState(ctx, conn, PhaseConstraintDropped, runID, dir); err != nil {
		return res, err
	}
	if err := w.dropPK(ctx, conn); err != nil {
		return res, err
	}

	// Phase 2: merge and dedupe atomically.
	if err := w.merge(ctx, conn); err != nil {
		return res, err
	}

	// Phase 3: restore the key. On failure the state stays constraint_dropped.
	if _, err := conn.ExecContext(ctx, w.dialect.addPK(w.names)); err != nil {
		return res, fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	if err := w.writeState(ctx, conn, PhaseClean, runID, dir); err != nil {
		return res, err
	}
	if _, err := conn.ExecContext(ctx, w.dialect.truncate(w.names.staging)); err != nil {
		return res, fmt.Errorf("clear staging: %w", err)
	}
	if res.After, err = w.count(ctx, conn, w.names.table); err != nil {
		return res, err
	}
	return res, nil
}

func (w *Warehouse) merge(ctx context.Context, conn *sql.Conn) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, w.dialect.insertNew(w.names)); err != nil {
		return fmt.Errorf("merge staged rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, w.dialect.dedupe(w.names)); err != nil {
		return fmt.Errorf("dedupe %s: %w", w.names.table.Quoted(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}
