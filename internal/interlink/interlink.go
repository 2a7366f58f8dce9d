// Package interlink renders and runs the InChI interlink query that pairs an
// external compound table with the loaded SureChEMBL identifiers.
package interlink

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	sqldocs "schemblsync/docs/schema/sql"
	"schemblsync/internal/config"
	"schemblsync/internal/warehouse"
)

// Match tiers.
const (
	TierExact          = "exact"
	TierStereoStripped = "stereo_stripped"
)

// Options names the tables and columns the query joins. Table names may be
// schema-qualified as "schema.table".
type Options struct {
	External  string
	CustomID  string
	InChI     string
	Structure string
	// StereoFallback enables the second, layer-stripped branch.
	StereoFallback bool
	// InputOnly strips layers from the external InChI only.
	InputOnly bool
}

// Match is one result row.
type Match struct {
	CustomID      string `json:"custom_id" yaml:"custom_id"`
	SchemblChemID int64  `json:"schembl_chem_id" yaml:"schembl_chem_id"`
	Tier          string `json:"match_tier" yaml:"match_tier"`
}

type params struct {
	External, CustomID, InChI, Structure string
	StereoFallback, InputOnly            bool
}

func quoteTable(d warehouse.Dialect, name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("table %q has too many qualifiers", name)
	}
	for i, p := range parts {
		if !config.ValidIdentifier(p) {
			return "", fmt.Errorf("table %q is not a plain identifier", name)
		}
		parts[i] = d.Quote(p)
	}
	return strings.Join(parts, "."), nil
}

func quoteColumn(d warehouse.Dialect, name string) (string, error) {
	if !config.ValidIdentifier(name) {
		return "", fmt.Errorf("column %q is not a plain identifier", name)
	}
	return d.Quote(name), nil
}

// stripFunc returns the SQL expression truncating an InChI at its first /b
// or /t layer.
func stripFunc(d warehouse.Dialect) func(expr string) string {
	switch d {
	case warehouse.MySQL:
		return func(expr string) string {
			return fmt.Sprintf("SUBSTRING_INDEX(SUBSTRING_INDEX(%s, '/b', 1), '/t', 1)", expr)
		}
	case warehouse.SQLite:
		cut := func(expr, layer string) string {
			return fmt.Sprintf("CASE WHEN instr(%[1]s, '%[2]s') > 0 THEN substr(%[1]s, 1, instr(%[1]s, '%[2]s') - 1) ELSE %[1]s END", expr, layer)
		}
		return func(expr string) string { return cut(cut(expr, "/b"), "/t") }
	}
	return func(expr string) string {
		return fmt.Sprintf("split_part(split_part(%s, '/b', 1), '/t', 1)", expr)
	}
}

// Render returns the interlink query for dialect.
func Render(d warehouse.Dialect, opts Options) (string, error) {
	var (
		p   = params{StereoFallback: opts.StereoFallback, InputOnly: opts.InputOnly}
		err error
	)
	if p.External, err = quoteTable(d, opts.External); err != nil {
		return "", err
	}
	if p.Structure, err = quoteTable(d, opts.Structure); err != nil {
		return "", err
	}
	if p.CustomID, err = quoteColumn(d, opts.CustomID); err != nil {
		return "", err
	}
	if p.InChI, err = quoteColumn(d, opts.InChI); err != nil {
		return "", err
	}
	tmpl, err := template.New("interlink").Funcs(template.FuncMap{"strip": stripFunc(d)}).Parse(sqldocs.Interlink)
	if err != nil {
		return "", fmt.Errorf("parse interlink template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, p); err != nil {
		return "", fmt.Errorf("render interlink: %w", err)
	}
	return strings.TrimSpace(b.String()) + "\n", nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Run executes query and collects its rows.
func Run(ctx context.Context, db querier, query string) ([]Match, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("run interlink: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Match
	for rows.Next() {
		var (
			raw any
			m   Match
		)
		if err := rows.Scan(&raw, &m.SchemblChemID, &m.Tier); err != nil {
			return nil, fmt.Errorf("scan interlink row: %w", err)
		}
		m.CustomID = stringify(raw)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run interlink: %w", err)
	}
	return out, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// Write prints matches as csv, json or yaml.
func Write(w io.Writer, format string, matches []Match) error {
	switch format {
	case "", "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"custom_id", "schembl_chem_id", "match_tier"})
		for _, m := range matches {
			_ = cw.Write([]string{m.CustomID, strconv.FormatInt(m.SchemblChemID, 10), m.Tier})
		}
		cw.Flush()
		return cw.Error()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if matches == nil {
			matches = []Match{}
		}
		return enc.Encode(matches)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(matches); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
