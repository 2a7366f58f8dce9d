package warehouse

import (
	"fmt"
	"strconv"
	"strings"

	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
)

// Dialect names a supported destination database.
type Dialect string

const (
	Postgres Dialect = config.DBPostgres
	SQLite   Dialect = config.DBSQLite
	DuckDB   Dialect = config.DBDuckDB
	MySQL    Dialect = config.DBMySQL
)

// ParseDialect validates a configured db.type.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case Postgres, SQLite, DuckDB, MySQL:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported database type %q", s)
	}
}

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return string(d)
}

// Bind rewrites ? placeholders into the dialect's parameter syntax.
func (d Dialect) Bind(query string) string {
	if d != Postgres {
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

// maxParams is the most bind parameters one statement may carry.
func (d Dialect) maxParams() int {
	switch d {
	case Postgres, MySQL:
		return 65535
	default:
		return 32766
	}
}

// Ident is an optionally schema-qualified identifier.
type Ident struct {
	Schema string
	Name   string
}

// QuoteIdent double-quotes a single identifier.
func QuoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

// Quote renders an identifier for SQL meant to run outside this program's
// connections: backticks on mysql, double quotes elsewhere.
func (d Dialect) Quote(s string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(s, "`", "``") + "`"
	}
	return QuoteIdent(s)
}

// Quoted renders the identifier for use in SQL text.
func (i Ident) Quoted() string {
	if i.Schema == "" {
		return QuoteIdent(i.Name)
	}
	return QuoteIdent(i.Schema) + "." + QuoteIdent(i.Name)
}

// Sibling returns an identifier in the same schema.
func (i Ident) Sibling(name string) Ident { return Ident{Schema: i.Schema, Name: name} }

// StateTable records the primary-key protocol phase per destination table.
const StateTable = "schembl_sync_state"

type names struct {
	table   Ident
	staging Ident
	state   Ident
	pkey    string
	inchi   string
}

func newNames(schema, table string) names {
	t := Ident{Schema: schema, Name: table}
	return names{
		table:   t,
		staging: t.Sibling(table + "_staging"),
		state:   t.Sibling(StateTable),
		pkey:    table + "_pkey",
		inchi:   table + "_std_inchi_idx",
	}
}

var columnList = strings.Join(chemfile.Columns, ", ")

func (d Dialect) truncate(t Ident) string {
	if d == Postgres || d == MySQL {
		return "TRUNCATE TABLE " + t.Quoted()
	}
	return "DELETE FROM " + t.Quoted()
}

// dropPK drops the key. The mysql form has no IF EXISTS, so callers check
// hasPK first.
func (d Dialect) dropPK(n names) string {
	switch d {
	case Postgres:
		return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", n.table.Quoted(), QuoteIdent(n.pkey))
	case MySQL:
		return fmt.Sprintf("ALTER TABLE %s DROP PRIMARY KEY", n.table.Quoted())
	}
	return "DROP INDEX IF EXISTS " + QuoteIdent(n.pkey)
}

func (d Dialect) addPK(n names) string {
	if d == Postgres || d == MySQL {
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (schembl_chem_id)", n.table.Quoted(), QuoteIdent(n.pkey))
	}
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (schembl_chem_id)", QuoteIdent(n.pkey), n.table.Quoted())
}

// hasPK returns a query counting the primary key (or its unique-index stand-in)
// and its arguments.
func (d Dialect) hasPK(n names) (string, []any) {
	switch d {
	case Postgres:
		return "SELECT COUNT(*) FROM pg_constraint WHERE conname = $1 AND conrelid = $2::regclass", []any{n.pkey, n.table.Quoted()}
	case DuckDB:
		return "SELECT COUNT(*) FROM duckdb_indexes() WHERE index_name = ?", []any{n.pkey}
	case MySQL:
		return `SELECT COUNT(*) FROM information_schema.table_constraints
WHERE table_schema = DATABASE() AND table_name = ? AND constraint_type = 'PRIMARY KEY'`, []any{n.table.Name}
	default:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", []any{n.pkey}
	}
}

func (d Dialect) insertNew(n names) string {
	return fmt.Sprintf(`INSERT INTO %s (%s)
SELECT %s FROM %s st
WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE t.schembl_chem_id = st.schembl_chem_id)`,
		n.table.Quoted(), columnList, prefixed("st", chemfile.Columns), n.staging.Quoted(), n.table.Quoted())
}

// dedupe keeps the earliest physical row per identifier.
func (d Dialect) dedupe(n names) string {
	switch d {
	case Postgres:
		return fmt.Sprintf(`DELETE FROM %s a USING %s b
WHERE a.schembl_chem_id = b.schembl_chem_id AND a.ctid > b.ctid`, n.table.Quoted(), n.table.Quoted())
	case MySQL:
		return fmt.Sprintf(`DELETE a FROM %s a JOIN %s b
ON a.schembl_chem_id = b.schembl_chem_id AND a.row_id > b.row_id`, n.table.Quoted(), n.table.Quoted())
	}
	return fmt.Sprintf(`DELETE FROM %s
WHERE rowid NOT IN (SELECT MIN(rowid) FROM %s GROUP BY schembl_chem_id)`, n.table.Quoted(), n.table.Quoted())
}

func (d Dialect) upsertState(n names) string {
	if d == MySQL {
		return `INSERT INTO ` + n.state.Quoted() + ` (table_name, phase, run_id, dir, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	phase = VALUES(phase),
	run_id = VALUES(run_id),
	dir = VALUES(dir),
	updated_at = VALUES(updated_at)`
	}
	return d.Bind(`INSERT INTO ` + n.state.Quoted() + ` (table_name, phase, run_id, dir, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (table_name) DO UPDATE SET
	phase = excluded.phase,
	run_id = excluded.run_id,
	dir = excluded.dir,
	updated_at = excluded.updated_at`)
}

func (d Dialect) selectState(n names) string {
	return d.Bind(`SELECT phase, run_id, dir, updated_at FROM ` + n.state.Quoted() + ` WHERE table_name = ?`)
}

func prefixed(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}
