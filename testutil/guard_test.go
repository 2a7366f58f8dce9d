package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestDriverImportPredicate(t *testing.T) {
	cases := []struct {
		in         string
		driver, db bool
	}{
		{"github.com/jackc/pgx/v5/stdlib", true, true},
		{"github.com/duckdb/duckdb-go/v2", true, true},
		{"github.com/go-sql-driver/mysql", true, true},
		{"modernc.org/sqlite", true, true},
		{"github.com/jlaffaye/ftp", true, false},
		{"github.com/aws/aws-sdk-go-v2/service/s3", true, false},
		{"database/sql", false, true},
		{"github.com/jackc/pgxpool-lookalike", false, false},
		{"go.uber.org/zap", false, false},
	}
	for _, c := range cases {
		if got := DriverImport(c.in); got != c.driver {
			t.Fatalf("DriverImport(%q)=%v want %v", c.in, got, c.driver)
		}
		if got := SQLImport(c.in); got != c.db {
			t.Fatalf("SQLImport(%q)=%v want %v", c.in, got, c.db)
		}
	}
}

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("a.go", "package x\nimport _ \"modernc.org/sqlite\"\n")
	write("b_test.go", "package x\nimport _ \"github.com/jlaffaye/ftp\"\n")
	write("notes.txt", "ignored")

	viols, err := directImportViolations(dir, DriverImport)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "modernc.org/sqlite (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	var r recorder
	failIfViolations(&r, "drivers", viols)
	if r.msg == "" {
		t.Fatalf("expected a failure message")
	}
	r = recorder{}
	failIfViolations(&r, "drivers", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure %q", r.msg)
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), DriverImport); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
