// Package testutil provides test helpers that keep package boundaries honest:
// the pipeline and the file codecs talk to storage and the network only
// through interfaces, never through concrete drivers.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// driverModules are the import path prefixes of concrete transport and
// storage drivers.
var driverModules = []string{
	"github.com/jackc/pgx",
	"github.com/duckdb/duckdb-go",
	"github.com/go-sql-driver/mysql",
	"modernc.org/sqlite",
	"github.com/jlaffaye/ftp",
	"github.com/aws/aws-sdk-go-v2",
}

// DriverImport reports whether path is a concrete database, FTP or object
// store driver.
func DriverImport(path string) bool {
	for _, m := range driverModules {
		if path == m || strings.HasPrefix(path, m+"/") {
			return true
		}
	}
	return false
}

// SQLImport reports whether path is database/sql or one of its drivers.
func SQLImport(path string) bool {
	return strings.HasPrefix(path, "database/sql") || (DriverImport(path) && !strings.Contains(path, "/ftp") && !strings.Contains(path, "aws-sdk"))
}

// AssertNoDirectImports scans the non-test .go files in dir and fails if any
// import satisfies forbidden. Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	failIfViolations(t, reason, viols)
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			ip := strings.Trim(imp.Path.Value, `"`)
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
