package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
	"schemblsync/internal/warehouse/testutil"
)

const ethanol = "InChI=1S/C2H6O/c1-2-3/h3H,2H2,1H3"

func sqliteConfig() config.DB {
	cfg := config.Default().DB
	cfg.Type = config.DBSQLite
	cfg.Name = "file::memory:"
	cfg.BatchSize = 2
	return cfg
}

func newSQLiteWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	w, err := Open(context.Background(), sqliteConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	if _, err := w.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return w
}

func sample() []chemfile.Compound {
	return []chemfile.Compound{
		{ID: 6, SMILES: "CCO", InChI: ethanol, InChIKey: "LFQSCWFLJHTTHZ-UHFFFAOYSA-N"},
		{ID: 7, SMILES: "C", InChI: "InChI=1S/CH4/h1H4", InChIKey: "VNWKTOKETHGBQD-UHFFFAOYSA-N"},
		{ID: 8, SMILES: "O", InChI: "InChI=1S/H2O/h1H2", InChIKey: "XLYOFNOQVPJJNP-UHFFFAOYSA-N"},
	}
}

func assertUniqueIDs(t *testing.T, db *sql.DB) {
	t.Helper()
	var total, distinct int
	if err := db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT schembl_chem_id) FROM "schembl_chemical_structure"`).Scan(&total, &distinct); err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != distinct {
		t.Fatalf("identifier column has duplicates: %d rows, %d distinct", total, distinct)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	w := newSQLiteWarehouse(t)

	first, err := w.Load(ctx, "data/external/frontfile/2019/01/26", "run-1", sample())
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first.Inserter != "insert" || first.Staged != 3 || first.Added() != 3 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := w.Load(ctx, "data/external/frontfile/2019/01/26", "run-2", sample())
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second.After != first.After || second.Added() != 0 {
		t.Fatalf("second load changed row count: %+v vs %+v", second, first)
	}
	assertUniqueIDs(t, w.DB())

	st, err := w.ReadState(ctx)
	if err != nil || st == nil || st.Phase != PhaseClean || st.RunID != "run-2" {
		t.Fatalf("state=%+v err=%v", st, err)
	}
	var staged int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM "schembl_chemical_structure_staging"`).Scan(&staged); err != nil || staged != 0 {
		t.Fatalf("staging should be empty, got %d (%v)", staged, err)
	}
}

func TestLoadKeepsExistingRowAndDedupesStagedIDs(t *testing.T) {
	ctx := context.Background()
	w := newSQLiteWarehouse(t)
	if _, err := w.Load(ctx, "d1", "run-1", sample()[:1]); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rows := []chemfile.Compound{
		{ID: 6, SMILES: "OCC", InChI: ethanol},
		{ID: 9, SMILES: "N"},
		{ID: 9, SMILES: "N2"},
	}
	res, err := w.Load(ctx, "d2", "run-2", rows)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Added() != 1 {
		t.Fatalf("expected one new id, got %+v", res)
	}
	var smiles string
	if err := w.DB().QueryRow(`SELECT smiles FROM "schembl_chemical_structure" WHERE schembl_chem_id = 6`).Scan(&smiles); err != nil || smiles != "CCO" {
		t.Fatalf("existing row should win, got %q (%v)", smiles, err)
	}
	if err := w.DB().QueryRow(`SELECT smiles FROM "schembl_chemical_structure" WHERE schembl_chem_id = 9`).Scan(&smiles); err != nil || smiles != "N" {
		t.Fatalf("first staged row should win, got %q (%v)", smiles, err)
	}
	assertUniqueIDs(t, w.DB())
}

func TestBlankStructureLoadsAsNull(t *testing.T) {
	ctx := context.Background()
	w := newSQLiteWarehouse(t)
	rows := []chemfile.Compound{{ID: 1, SMILES: "*C"}, {ID: 2, SMILES: "*CC"}}
	if _, err := w.Load(ctx, "d", "run-1", rows); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var nulls, empty int
	if err := w.DB().QueryRow(`SELECT
	SUM(CASE WHEN std_inchi IS NULL AND std_inchikey IS NULL THEN 1 ELSE 0 END),
	SUM(CASE WHEN std_inchi = '' THEN 1 ELSE 0 END)
FROM "schembl_chemical_structure"`).Scan(&nulls, &empty); err != nil {
		t.Fatalf("count: %v", err)
	}
	if nulls != 2 || empty != 0 {
		t.Fatalf("expected 2 NULL structures and no empty strings, got null=%d empty=%d", nulls, empty)
	}
}

func TestLoadEmptyIsNoop(t *testing.T) {
	w := newSQLiteWarehouse(t)
	res, err := w.Load(context.Background(), "d", "run", nil)
	if err != nil || res.Added() != 0 || res.Inserter != "" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if st, _ := w.ReadState(context.Background()); st != nil {
		t.Fatalf("empty load should not touch state, got %+v", st)
	}
}

func TestPrepareRecoversInterruptedLoad(t *testing.T) {
	ctx := context.Background()
	w := newSQLiteWarehouse(t)
	if _, err := w.Load(ctx, "d1", "run-1", sample()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Simulate a crash after phase two of a later load left duplicates behind.
	if err := w.writeState(ctx, w.DB(), PhaseConstraintDropped, "run-crashed", "data/external/frontfile/2019/01/27"); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if _, err := w.DB().Exec(w.dialect.dropPK(w.names)); err != nil {
		t.Fatalf("drop pk: %v", err)
	}
	if _, err := w.DB().Exec(`INSERT INTO "schembl_chemical_structure" (schembl_chem_id, smiles) VALUES (6, 'dup'), (7, 'dup')`); err != nil {
		t.Fatalf("insert dups: %v", err)
	}

	st, err := w.Prepare(ctx)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if st == nil || st.Dir != "data/external/frontfile/2019/01/27" || st.RunID != "run-crashed" {
		t.Fatalf("expected recovered state, got %+v", st)
	}
	assertUniqueIDs(t, w.DB())
	ok, err := w.hasPK(ctx, w.DB())
	if err != nil || !ok {
		t.Fatalf("primary key not restored (%v)", err)
	}
	var smiles string
	if err := w.DB().QueryRow(`SELECT smiles FROM "schembl_chemical_structure" WHERE schembl_chem_id = 6`).Scan(&smiles); err != nil || smiles != "CCO" {
		t.Fatalf("recovery should keep the earliest row, got %q (%v)", smiles, err)
	}
	again, err := w.Prepare(ctx)
	if err != nil || again != nil {
		t.Fatalf("second Prepare should find a clean state, got %+v (%v)", again, err)
	}
}

func TestPrepareAdoptsLegacyTableWithoutKey(t *testing.T) {
	ctx := context.Background()
	w, err := Open(ctx, sqliteConfig(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = w.Close() }()
	if _, err := w.DB().Exec(`CREATE TABLE "schembl_chemical_structure" (schembl_chem_id INTEGER, smiles TEXT, std_inchi TEXT, std_inchikey VARCHAR(27))`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := w.DB().Exec(`INSERT INTO "schembl_chemical_structure" VALUES (1, 'C', NULL, NULL), (1, 'C', NULL, NULL), (2, 'CC', NULL, NULL)`); err != nil {
		t.Fatalf("seed legacy rows: %v", err)
	}
	if _, err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	n, err := w.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 rows after adoption, got %d (%v)", n, err)
	}
	if _, err := w.DB().Exec(`INSERT INTO "schembl_chemical_structure" (schembl_chem_id) VALUES (2)`); err == nil {
		t.Fatalf("unique key should reject duplicate id")
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"postgres": Postgres, " SQLite ": SQLite, "duckdb": DuckDB, "MySQL": MySQL} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Fatalf("oracle should be rejected")
	}
}

func TestRowInserterStatement(t *testing.T) {
	r := rowInserter{dialect: Postgres}
	q, args := r.statement(Ident{Schema: "chem", Name: "t_staging"}, sample()[:2])
	want := `INSERT INTO "chem"."t_staging" (schembl_chem_id, smiles, std_inchi, std_inchikey) VALUES ($1, $2, $3, $4), ($5, $6, $7, $8)`
	if q != want || len(args) != 8 || args[4] != int64(7) {
		t.Fatalf("statement=%q args=%v", q, args)
	}
}

func TestRowInserterCapsBatchAtParameterLimit(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig()
	cfg.BatchSize = 10000
	w, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = w.Close() }()
	if _, err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	rows := make([]chemfile.Compound, 9000)
	for i := range rows {
		rows[i] = chemfile.Compound{ID: int64(i + 1), SMILES: "C", InChI: "InChI=1S/CH4/h1H4"}
	}
	res, err := w.Load(ctx, "d", "run-1", rows)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Staged != 9000 || res.Added() != 9000 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func openStub(t *testing.T) (*Warehouse, *testutil.StubConn) {
	t.Helper()
	db, stub := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("unexpected driver %s", driverName)
		}
		return db, nil
	})
	defer restore()
	cfg := config.Default().DB
	cfg.Name = "chem"
	cfg.Schema = "surechembl"
	w, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w, stub
}

func indexOf(stmts []string, frag string, from int) int {
	for i := from; i < len(stmts); i++ {
		if strings.Contains(stmts[i], frag) {
			return i
		}
	}
	return -1
}

func TestPostgresLoadStatementSequence(t *testing.T) {
	ctx := context.Background()
	w, stub := openStub(t)
	if _, err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := w.Load(ctx, "data/external/backfile/2015_1", "run-1", sample()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	stmts := stub.Statements()
	steps := []string{
		`CREATE TABLE IF NOT EXISTS "surechembl"."schembl_chemical_structure"`,
		`CREATE UNLOGGED TABLE IF NOT EXISTS "surechembl"."schembl_chemical_structure_staging"`,
		`TRUNCATE TABLE "surechembl"."schembl_chemical_structure_staging"`,
		`INSERT INTO "surechembl"."schembl_chemical_structure_staging" (schembl_chem_id, smiles, std_inchi, std_inchikey) VALUES ($1, $2, $3, $4)`,
		`INSERT INTO "surechembl"."schembl_sync_state"`,
		`DROP CONSTRAINT IF EXISTS "schembl_chemical_structure_pkey"`,
		`WHERE NOT EXISTS`,
		`a.ctid > b.ctid`,
		`ADD CONSTRAINT "schembl_chemical_structure_pkey" PRIMARY KEY (schembl_chem_id)`,
		`INSERT INTO "surechembl"."schembl_sync_state"`,
		`TRUNCATE TABLE "surechembl"."schembl_chemical_structure_staging"`,
	}
	pos := 0
	for _, step := range steps {
		i := indexOf(stmts, step, pos)
		if i < 0 {
			t.Fatalf("missing %q after position %d in:\n%s", step, pos, strings.Join(stmts, "\n"))
		}
		pos = i + 1
	}
	if stub.State[0] != PhaseClean {
		t.Fatalf("expected clean state, got %v", stub.State)
	}
}

func TestPostgresConstraintFailureLeavesStateForRecovery(t *testing.T) {
	ctx := context.Background()
	w, stub := openStub(t)
	if _, err := w.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	stub.FailOn["ADD CONSTRAINT"] = errors.New(`could not create unique index "schembl_chemical_structure_pkey"`)
	_, err := w.Load(ctx, "data/external/frontfile/2019/01/26", "run-1", sample())
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	if stub.State[0] != PhaseConstraintDropped || stub.State[2] != "data/external/frontfile/2019/01/26" {
		t.Fatalf("state should record the dropped constraint, got %v", stub.State)
	}

	delete(stub.FailOn, "ADD CONSTRAINT")
	st, err := w.Prepare(ctx)
	if err != nil {
		t.Fatalf("recovering Prepare: %v", err)
	}
	if st == nil || st.Dir != "data/external/frontfile/2019/01/26" {
		t.Fatalf("expected recovered dir, got %+v", st)
	}
	if !stub.PKPresent || stub.State[0] != PhaseClean {
		t.Fatalf("recovery incomplete: pk=%v state=%v", stub.PKPresent, stub.State)
	}
}

func TestPostgresMergeFailureKeepsConstraintDropped(t *testing.T) {
	ctx := context.Background()
	w, stub := openStub(t)
	stub.FailOn["WHERE NOT EXISTS"] = errors.New("disk full")
	if _, err := w.Load(ctx, "d", "run-1", sample()); err == nil || errors.Is(err, ErrConstraint) {
		t.Fatalf("expected merge error, got %v", err)
	}
	if stub.State[0] != PhaseConstraintDropped {
		t.Fatalf("state should stay constraint_dropped, got %v", stub.State)
	}
}
