// Package chemfile reads SureChEMBL compound delta files.
//
// A delta file is a gzip-compressed, tab-separated table with a header row.
// Only the identifier and structure columns are kept.
package chemfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// Source columns, matched case-insensitively.
const (
	ColID       = "SureChEMBL ID"
	ColSMILES   = "SMILES"
	ColInChI    = "Standard InChi"
	ColInChIKey = "Standard InChiKey"
)

// Destination column names.
var Columns = []string{"schembl_chem_id", "smiles", "std_inchi", "std_inchikey"}

// Compound is one structure record.
type Compound struct {
	ID       int64
	SMILES   string
	InChI    string
	InChIKey string
}

// Values returns the record in Columns order. Blank structure fields are nil
// so they load as NULL and never join to each other.
func (c Compound) Values() []any {
	return []any{c.ID, nullable(c.SMILES), nullable(c.InChI), nullable(c.InChIKey)}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ParseError locates a malformed delta file. Line is 0 for file-level problems.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result holds the normalised rows of one file.
type Result struct {
	Rows       []Compound
	Read       int
	Duplicates int
}

var gzipMagic = []byte{0x1f, 0x8b}

// Parse reads a delta file, gzip-compressed or plain, and drops rows that are
// exact duplicates of an earlier row. Any malformed row fails the whole file.
func Parse(r io.Reader, name string) (Result, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return Result{}, &ParseError{File: name, Err: err}
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}

	cr := csv.NewReader(src)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, &ParseError{File: name, Line: 1, Err: err}
	}
	idx, err := columnIndex(header)
	if err != nil {
		return Result{}, &ParseError{File: name, Line: 1, Err: err}
	}

	var (
		res  Result
		seen = map[uint64][]int{}
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				line = csvErr.Line
			}
			return Result{}, &ParseError{File: name, Line: line, Err: err}
		}
		line, _ := cr.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		c, err := toCompound(rec, idx)
		if err != nil {
			return Result{}, &ParseError{File: name, Line: line, Err: err}
		}
		res.Read++
		h := digest(c)
		dup := false
		for _, i := range seen[h] {
			if res.Rows[i] == c {
				dup = true
				break
			}
		}
		if dup {
			res.Duplicates++
			continue
		}
		seen[h] = append(seen[h], len(res.Rows))
		res.Rows = append(res.Rows, c)
	}
	return res, nil
}

type columns struct{ id, smiles, inchi, key int }

func (c columns) max() int { return max(c.id, c.smiles, c.inchi, c.key) }

func columnIndex(header []string) (columns, error) {
	pos := map[string]int{}
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}
	var c columns
	var missing []string
	for _, want := range []struct {
		name string
		dst  *int
	}{{ColID, &c.id}, {ColSMILES, &c.smiles}, {ColInChI, &c.inchi}, {ColInChIKey, &c.key}} {
		i, ok := pos[strings.ToLower(want.name)]
		if !ok {
			missing = append(missing, want.name)
			continue
		}
		*want.dst = i
	}
	if len(missing) > 0 {
		return columns{}, fmt.Errorf("missing columns %s", strings.Join(missing, ", "))
	}
	return c, nil
}

func toCompound(rec []string, idx columns) (Compound, error) {
	if len(rec) <= idx.max() {
		return Compound{}, fmt.Errorf("expected at least %d fields, got %d", idx.max()+1, len(rec))
	}
	id, err := ParseID(rec[idx.id])
	if err != nil {
		return Compound{}, err
	}
	return Compound{
		ID:       id,
		SMILES:   strings.TrimSpace(rec[idx.smiles]),
		InChI:    strings.TrimSpace(rec[idx.inchi]),
		InChIKey: strings.TrimSpace(rec[idx.key]),
	}, nil
}

// ParseID accepts "123" or "SCHEMBL123" and returns the positive numeric id.
func ParseID(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	if len(raw) >= 7 && strings.EqualFold(raw[:7], "SCHEMBL") {
		raw = raw[7:]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid SureChEMBL id %q", s)
	}
	return id, nil
}

func digest(c Compound) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for i := range 8 {
		buf[i] = byte(c.ID >> (8 * i))
	}
	_, _ = d.Write(buf[:])
	for _, s := range []string{c.SMILES, c.InChI, c.InChIKey} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// MergeByID concatenates sets keeping the first row seen for each id. It
// returns the merged rows and how many were dropped.
func MergeByID(sets ...[]Compound) ([]Compound, int) {
	total := 0
	for _, s := range sets {
		total += len(s)
	}
	out := make([]Compound, 0, total)
	seen := make(map[int64]struct{}, total)
	for _, s := range sets {
		for _, c := range s {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
	}
	return out, total - len(out)
}
