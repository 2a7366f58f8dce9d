package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"schemblsync/internal/backlog"
	"schemblsync/internal/blob"
	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
	"schemblsync/internal/metrics"
	"schemblsync/internal/remote"
	"schemblsync/internal/resolve"
	"schemblsync/internal/warehouse"
)

const (
	front   = "data/external/frontfile"
	today   = front + "/2019/01/26"
	ethanol = "InChI=1S/C2H6O/c1-2-3/h3H,2H2,1H3"
)

var fixedNow = time.Date(2019, 1, 26, 9, 30, 0, 0, time.UTC)

type harness struct {
	cfg     config.Config
	tree    *remote.Tree
	spool   blob.Store
	backlog *backlog.MemoryStore
	wh      *warehouse.Warehouse
	metrics *metrics.Recorder
	runs    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.DB.Type = config.DBSQLite
	cfg.DB.Name = "file::memory:"
	cfg.Run = config.Run{Frontfile: true}
	wh, err := warehouse.Open(context.Background(), cfg.DB, nil)
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { _ = wh.Close() })
	spool, err := blob.Open(context.Background(), blob.Config{Driver: blob.DriverMemory})
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	return &harness{
		cfg:     cfg,
		tree:    remote.NewTree(),
		spool:   spool,
		backlog: backlog.NewMemoryStore(),
		wh:      wh,
	}
}

func (h *harness) run(t *testing.T) (Report, error) {
	t.Helper()
	return h.runWith(t, Deps{Conn: h.tree})
}

func (h *harness) runWith(t *testing.T, d Deps) (Report, error) {
	t.Helper()
	h.runs++
	h.metrics = metrics.New()
	d.Backlog = h.backlog
	d.Loader = h.wh
	d.Spool = h.spool
	d.Metrics = h.metrics
	d.RunID = fmt.Sprintf("run-%d", h.runs)
	d.Now = func() time.Time { return fixedNow }
	return New(h.cfg, d).Run(context.Background())
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	n, err := h.wh.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func deltaFile(t *testing.T, rows ...chemfile.Compound) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := chemfile.Write(&buf, rows, true); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return buf.Bytes()
}

func compound(id int64, smiles string) chemfile.Compound {
	return chemfile.Compound{ID: id, SMILES: smiles, InChI: "InChI=1S/" + smiles, InChIKey: smiles + "-KEY"}
}

func publishToday(t *testing.T, tree *remote.Tree) {
	t.Helper()
	eth := chemfile.Compound{ID: 6, SMILES: "CCO", InChI: ethanol, InChIKey: "LFQSCWFLJHTTHZ-UHFFFAOYSA-N"}
	tree.Put(today+"/newfiles.txt", []byte(strings.Join([]string{
		"/2019/01/26/20190126_a.chemicals.tsv.gz",
		"/2019/01/26/20190126_b.chemicals.tsv.gz",
		"/2019/01/26/20190126_supp.chemicals.tsv.gz",
		"/2019/01/26/20190126.biblio.json.gz",
	}, "\n")))
	tree.Put(today+"/20190126_a.chemicals.tsv.gz", deltaFile(t, eth, compound(7, "C"), eth))
	tree.Put(today+"/20190126_b.chemicals.tsv.gz", deltaFile(t, compound(7, "C"), compound(8, "O")))
	tree.Put(today+"/20190126_supp.chemicals.tsv.gz", []byte("not even gzip"))
}

func TestRunLoadsIndexedDay(t *testing.T) {
	h := newHarness(t)
	publishToday(t, h.tree)

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, ok := rep.Find(today)
	if !ok || d.Outcome != OutcomeLoaded {
		t.Fatalf("expected %s loaded, got %+v", today, rep.Dirs)
	}
	if d.Files != 2 || d.Parsed != 5 || d.Added != 3 {
		t.Fatalf("unexpected directory report %+v", d)
	}
	if rep.Before != 0 || rep.After != 3 || h.count(t) != 3 {
		t.Fatalf("unexpected table totals before=%d after=%d", rep.Before, rep.After)
	}
	for _, f := range h.tree.Retrieved {
		if strings.Contains(f, "supp") {
			t.Fatalf("supplementary file should not be fetched: %s", f)
		}
	}
	left, err := h.spool.List(context.Background(), "spool/")
	if err != nil || len(left) != 0 {
		t.Fatalf("spool should be empty after load, got %v (%v)", left, err)
	}
	if got := testutil.ToFloat64(h.metrics.RowsLoaded); got != 3 {
		t.Fatalf("rows loaded metric %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.Directories.WithLabelValues("loaded")); got != 1 {
		t.Fatalf("loaded directories metric %v", got)
	}
}

func TestRerunAddsNothing(t *testing.T) {
	h := newHarness(t)
	publishToday(t, h.tree)
	if _, err := h.run(t); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Added() != 0 || h.count(t) != 3 {
		t.Fatalf("rerun changed the table: added=%d count=%d", rep.Added(), h.count(t))
	}
}

func TestMissingDirectoryIsDeferredToBacklog(t *testing.T) {
	h := newHarness(t)
	h.tree.Mkdir(front + "/2019/01")

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("a missing directory is not a failure: %v", err)
	}
	d, ok := rep.Find(today)
	if !ok || d.Outcome != OutcomeDeferred || d.Reason != backlog.ReasonMissing {
		t.Fatalf("expected deferred missing, got %+v", rep.Dirs)
	}
	entries, _ := h.backlog.List(context.Background())
	if len(entries) != 1 || entries[0].Dir != today || entries[0].Granularity != string(resolve.Day) {
		t.Fatalf("unexpected backlog %+v", entries)
	}
	if h.count(t) != 0 || rep.Backlog != 1 {
		t.Fatalf("nothing should be loaded: count=%d backlog=%d", h.count(t), rep.Backlog)
	}
}

func TestBacklogRetriedBeforeNewTargets(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run = config.Run{Frontfile: true, Date: "2019-01-26"}
	if _, err := h.run(t); err != nil {
		t.Fatalf("first run: %v", err)
	}

	earlier := front + "/2019/01/25"
	h.tree.Put(earlier+"/20190125.chemicals.tsv.gz", deltaFile(t, compound(1, "N")))
	if err := h.backlog.Add(context.Background(), backlog.Entry{Dir: earlier, Reason: backlog.ReasonMissing}); err != nil {
		t.Fatalf("seed backlog: %v", err)
	}
	publishToday(t, h.tree)

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	// today was queued by the first run, so it is the oldest backlog entry
	if len(rep.Dirs) != 2 || rep.Dirs[0].Dir != today || rep.Dirs[1].Dir != earlier {
		t.Fatalf("unexpected order %+v", rep.Dirs)
	}
	if rep.Count(OutcomeLoaded) != 2 || rep.Backlog != 0 || h.count(t) != 4 {
		t.Fatalf("expected both directories loaded: %+v count=%d", rep, h.count(t))
	}
}

func TestParseFailureLoadsNothingFromDirectory(t *testing.T) {
	h := newHarness(t)
	h.tree.Put(today+"/a.chemicals.tsv.gz", deltaFile(t, compound(1, "N")))
	h.tree.Put(today+"/b.chemicals.tsv.gz", []byte("SureChEMBL ID\tSMILES\tStandard InChi\tStandard InChiKey\nnot-a-number\tC\tx\ty\n"))

	rep, err := h.run(t)
	var perr *chemfile.ParseError
	if !errors.As(err, &perr) || perr.Line != 2 {
		t.Fatalf("expected parse error on line 2, got %v", err)
	}
	d, _ := rep.Find(today)
	if d.Outcome != OutcomeFailed || d.Reason != backlog.ReasonParse {
		t.Fatalf("unexpected report %+v", d)
	}
	if h.count(t) != 0 {
		t.Fatalf("directory must load all or nothing, table has %d rows", h.count(t))
	}
	entries, _ := h.backlog.List(context.Background())
	if len(entries) != 1 || entries[0].Reason != backlog.ReasonParse {
		t.Fatalf("unexpected backlog %+v", entries)
	}
	left, _ := h.spool.List(context.Background(), "spool/")
	if len(left) != 0 {
		t.Fatalf("failed directory should not leave spool objects: %v", left)
	}
}

func TestFetchFailureIsQueued(t *testing.T) {
	h := newHarness(t)
	h.tree.Put(today+"/a.chemicals.tsv.gz", deltaFile(t, compound(1, "N")))
	h.tree.FailOn(today+"/a.chemicals.tsv.gz", errors.New("426 connection closed"))

	rep, err := h.run(t)
	if err == nil || !strings.Contains(err.Error(), "426") {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if d, _ := rep.Find(today); d.Reason != backlog.ReasonFetch {
		t.Fatalf("unexpected report %+v", d)
	}
	if n, _ := h.backlog.Len(context.Background()); n != 1 {
		t.Fatalf("expected directory queued, backlog=%d", n)
	}
}

func TestEmptyDirectoryIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.tree.Put(today+"/20190126.biblio.json.gz", []byte("{}"))

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d, _ := rep.Find(today); d.Outcome != OutcomeEmpty {
		t.Fatalf("expected empty outcome, got %+v", rep.Dirs)
	}
	if rep.Backlog != 0 {
		t.Fatalf("empty directories are not queued")
	}
}

func TestYearRunVisitsEveryDay(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run = config.Run{Frontfile: true, Year: 2019}
	h.tree.Put(front+"/2019/01/05/x.chemicals.tsv.gz", deltaFile(t, compound(1, "N")))
	h.tree.Put(front+"/2019/02/10/y.chemicals.tsv.gz", deltaFile(t, compound(2, "S")))

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Count(OutcomeLoaded) != 2 || h.count(t) != 2 {
		t.Fatalf("expected two loaded days: %+v", rep.Dirs)
	}
}

func TestBackfileYearRange(t *testing.T) {
	h := newHarness(t)
	h.cfg.Run = config.Run{StartYear: 2000, EndYear: 2001}
	back := "data/external/backfile"
	h.tree.Put(back+"/1999_01/a.tsv.gz", deltaFile(t, compound(1, "N")))
	h.tree.Put(back+"/2000_01/a.tsv.gz", deltaFile(t, compound(2, "S")))
	h.tree.Put(back+"/2001_02/b.tsv.gz", deltaFile(t, compound(3, "P")))

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Count(OutcomeLoaded) != 2 || h.count(t) != 2 {
		t.Fatalf("expected two backfile years: %+v", rep.Dirs)
	}
	if d, _ := rep.Find(back + "/2000_01"); d.Granularity != string(resolve.Year) {
		t.Fatalf("backfile directories are years: %+v", d)
	}
}

func TestArchiveReplacesEarlierCopy(t *testing.T) {
	h := newHarness(t)
	h.cfg.Spool.Archive = true
	publishToday(t, h.tree)
	for i := 0; i < 2; i++ {
		if _, err := h.run(t); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	kept, err := h.spool.List(context.Background(), "archive/")
	if err != nil {
		t.Fatalf("list archive: %v", err)
	}
	if len(kept) != 2 || kept[0].Key != ArchiveKey(resolve.DeltaFile{Dir: today, Name: "20190126_a.chemicals.tsv.gz"}) {
		t.Fatalf("unexpected archive %+v", kept)
	}
	if kept[0].Metadata["run_id"] != "run-2" {
		t.Fatalf("archive should hold the latest download, got %+v", kept[0].Metadata)
	}
}

func TestUnreachableServer(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")

	h := newHarness(t)
	rep, err := h.runWith(t, Deps{ConnErr: dialErr})
	if err != nil {
		t.Fatalf("a day run should defer when the server is down: %v", err)
	}
	d, _ := rep.Find(today)
	if d.Outcome != OutcomeDeferred || d.Reason != backlog.ReasonConnect {
		t.Fatalf("unexpected report %+v", rep.Dirs)
	}

	h.cfg.Run = config.Run{StartYear: 2000, EndYear: 2001}
	if _, err := h.runWith(t, Deps{ConnErr: dialErr}); !errors.Is(err, dialErr) {
		t.Fatalf("backfile run should fail on connect, got %v", err)
	}
}

func TestRecoveredLoadIsQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.wh.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	stale := front + "/2019/01/20"
	if _, err := h.wh.DB().ExecContext(ctx,
		`INSERT INTO "schembl_sync_state" (table_name, phase, run_id, dir, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"schembl_chemical_structure", warehouse.PhaseConstraintDropped, "old", stale, fixedNow.Format(time.RFC3339)); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	h.tree.Put(stale+"/x.chemicals.tsv.gz", deltaFile(t, compound(9, "F")))
	h.tree.Mkdir(today)

	rep, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Recovered != stale {
		t.Fatalf("expected recovery of %s, got %q", stale, rep.Recovered)
	}
	if d, ok := rep.Find(stale); !ok || d.Outcome != OutcomeLoaded {
		t.Fatalf("recovered directory should be retried in the same run: %+v", rep.Dirs)
	}
}
