// Package sqldocs exposes the schembl-sync SQL artifacts directly from the docs tree.
package sqldocs

import _ "embed"

// Postgres contains the postgres schema template.
//
//go:embed postgres.sql
var Postgres string

// SQLite contains the sqlite schema template.
//
//go:embed sqlite.sql
var SQLite string

// DuckDB contains the duckdb schema template.
//
//go:embed duckdb.sql
var DuckDB string

// MySQL contains the mysql schema template.
//
//go:embed mysql.sql
var MySQL string

// Interlink is the InChI interlink query template.
//
//go:embed interlink.sql.tmpl
var Interlink string
