// Package sqlbundle renders the embedded schema templates into executable statements.
package sqlbundle

import (
	"bufio"
	"fmt"
	"strings"
	"text/template"

	sqldocs "schemblsync/docs/schema/sql"
)

// Names are the quoted identifiers substituted into a schema template.
type Names struct {
	Table      string
	Staging    string
	State      string
	PKey       string
	InChIIndex string
}

// Schema returns the raw schema template for dialect.
func Schema(dialect string) (string, error) {
	switch dialect {
	case "postgres":
		return sqldocs.Postgres, nil
	case "sqlite":
		return sqldocs.SQLite, nil
	case "duckdb":
		return sqldocs.DuckDB, nil
	case "mysql":
		return sqldocs.MySQL, nil
	default:
		return "", fmt.Errorf("no schema for dialect %q", dialect)
	}
}

// Render executes the dialect's schema template and splits the result.
func Render(dialect string, names Names) ([]string, error) {
	raw, err := Schema(dialect)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(dialect).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", dialect, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, names); err != nil {
		return nil, fmt.Errorf("render %s schema: %w", dialect, err)
	}
	return SplitStatements(b.String()), nil
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
