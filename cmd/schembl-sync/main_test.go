package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"schemblsync/internal/backlog"
	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
	"schemblsync/internal/warehouse"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func sqliteFlags(db string) []string {
	return []string{"--db-type", "sqlite", "--db-name", db}
}

func TestMainExitCodes(t *testing.T) {
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"schembl-sync", "config", "init", "-"}
	main()
	os.Args = []string{"schembl-sync", "--db-type", "oracle", "backlog", "list"}
	main()
	if len(codes) != 2 || codes[0] != 0 || codes[1] != 1 {
		t.Fatalf("unexpected exit codes: %v", codes)
	}
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.toml")
	code, out, errOut := run(t, "config", "init", path)
	if code != 0 || !strings.Contains(out, "wrote") {
		t.Fatalf("config init failed: %d %s", code, errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "[ftp]") {
		t.Fatalf("unexpected config file %q (%v)", data, err)
	}
	if code, _, _ := run(t, "config", "init", path); code == 0 {
		t.Fatalf("existing file should not be overwritten without --force")
	}
	if code, _, errOut := run(t, "config", "init", "--force", path); code != 0 {
		t.Fatalf("--force should overwrite: %s", errOut)
	}
}

func TestInterlinkRendersPerDialect(t *testing.T) {
	code, out, errOut := run(t, "interlink", "--external", "my_compounds", "--db-type", "sqlite")
	if code != 0 {
		t.Fatalf("interlink: %s", errOut)
	}
	if !strings.Contains(out, `"my_compounds"`) || !strings.Contains(out, "UNION ALL") || !strings.Contains(out, "instr(") {
		t.Fatalf("unexpected sqlite query:\n%s", out)
	}

	code, out, _ = run(t, "interlink", "--external", "lab.my_compounds", "--no-fallback", "--postgres-schema", "chem")
	if code != 0 || strings.Contains(out, "UNION ALL") || !strings.Contains(out, `"chem"."schembl_chemical_structure"`) {
		t.Fatalf("unexpected postgres query (%d):\n%s", code, out)
	}

	if code, _, _ := run(t, "interlink"); code == 0 {
		t.Fatalf("--external is required")
	}
}

func TestInterlinkExecute(t *testing.T) {
	db := filepath.Join(t.TempDir(), "schembl.db")
	ctx := context.Background()
	cfg := config.Default().DB
	cfg.Type, cfg.Name = config.DBSQLite, db
	wh, err := warehouse.Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := wh.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	ethanol := "InChI=1S/C2H6O/c1-2-3/h3H,2H2,1H3"
	if _, err := wh.Load(ctx, "seed", "seed", []chemfile.Compound{{ID: 6, SMILES: "CCO", InChI: ethanol}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := wh.DB().ExecContext(ctx, `CREATE TABLE my_compounds (custom_id TEXT, std_inchi TEXT)`); err != nil {
		t.Fatalf("create external: %v", err)
	}
	if _, err := wh.DB().ExecContext(ctx, `INSERT INTO my_compounds VALUES ('ext-1', ?)`, ethanol); err != nil {
		t.Fatalf("insert external: %v", err)
	}
	_ = wh.Close()

	args := append([]string{"interlink", "--external", "my_compounds", "--execute", "--format", "json"}, sqliteFlags(db)...)
	code, out, errOut := run(t, args...)
	if code != 0 {
		t.Fatalf("interlink --execute: %s", errOut)
	}
	var matches []struct {
		CustomID string `json:"custom_id"`
		ID       int64  `json:"schembl_chem_id"`
		Tier     string `json:"match_tier"`
	}
	if err := json.Unmarshal([]byte(out), &matches); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(matches) != 1 || matches[0].CustomID != "ext-1" || matches[0].ID != 6 || matches[0].Tier != "exact" {
		t.Fatalf("unexpected matches %+v", matches)
	}
}

func TestRunDefersDayAndBacklogCommands(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "schembl.db")
	args := append([]string{
		"--ftp-user", "anonymous", "--ftp-host", "127.0.0.1:1", "--ftp-timeout", "1s",
		"--frontfile", "--date", "2019-01-26",
		"--spool-root", filepath.Join(dir, "spool"),
		"--report", "json",
	}, sqliteFlags(db)...)
	code, out, errOut := run(t, args...)
	if code != 0 {
		t.Fatalf("unreachable server should defer the day, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, `"outcome": "deferred"`) {
		t.Fatalf("report should show the deferred day:\n%s", out)
	}

	code, out, errOut = run(t, append([]string{"backlog", "list", "--format", "json"}, sqliteFlags(db)...)...)
	if code != 0 {
		t.Fatalf("backlog list: %s", errOut)
	}
	var entries []backlog.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode backlog: %v", err)
	}
	want := "data/external/frontfile/2019/01/26"
	if len(entries) != 1 || entries[0].Dir != want || entries[0].Reason != backlog.ReasonConnect {
		t.Fatalf("unexpected backlog %+v", entries)
	}

	if code, _, _ := run(t, append([]string{"backlog", "clear"}, sqliteFlags(db)...)...); code == 0 {
		t.Fatalf("clear without directories should fail")
	}
	code, out, _ = run(t, append([]string{"backlog", "clear", want}, sqliteFlags(db)...)...)
	if code != 0 || !strings.Contains(out, "removed "+want) {
		t.Fatalf("clear failed: %d %s", code, out)
	}
	_, out, _ = run(t, append([]string{"backlog", "list"}, sqliteFlags(db)...)...)
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("backlog should be empty, got %q", out)
	}
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	code, _, errOut := run(t, "--db-type", "sqlite", "--db-name", "x.db", "--frontfile", "--day", "3")
	if code != 1 || !strings.Contains(errOut, "invalid configuration") {
		t.Fatalf("expected validation failure, got %d %q", code, errOut)
	}
	if code, _, _ := run(t, "--no-such-flag"); code != 1 {
		t.Fatalf("unknown flag should fail")
	}
}
