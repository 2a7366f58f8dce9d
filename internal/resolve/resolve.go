// Package resolve turns a run request into the remote directories and delta
// files that need loading.
package resolve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"schemblsync/internal/config"
	"schemblsync/internal/remote"
)

// Granularity is the date span a directory covers.
type Granularity string

const (
	Day   Granularity = "day"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// IndexFile is the per-day listing the vendor publishes next to delta files.
const IndexFile = "newfiles.txt"

const (
	chemicalsSuffix = ".chemicals.tsv.gz"
	backfileSuffix  = ".tsv.gz"
)

// ErrAmbiguousIndex is returned when a day directory lists more than one index file.
var ErrAmbiguousIndex = errors.New("more than one " + IndexFile)

// DeltaFile is one remote file to fetch.
type DeltaFile struct {
	Dir         string
	Name        string
	Granularity Granularity
}

// Path returns the remote path of the file.
func (f DeltaFile) Path() string { return path.Join(f.Dir, f.Name) }

// Target is a remote directory and, once inspected, the delta files it holds.
// A target is loaded as a unit.
type Target struct {
	Dir         string
	Granularity Granularity
	Backfile    bool
	Files       []DeltaFile
}

// Resolver maps requests onto the remote tree.
type Resolver struct {
	conn      remote.Conn
	frontRoot string
	backRoot  string
	now       func() time.Time
	logger    *zap.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for "today" and relative dates.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New returns a resolver reading from conn with the roots in cfg.
func New(conn remote.Conn, cfg config.FTP, opts ...Option) *Resolver {
	r := &Resolver{
		conn:      conn,
		frontRoot: remote.Clean(cfg.FrontfileRoot),
		backRoot:  remote.Clean(cfg.BackfileRoot),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Target rebuilds a target from a stored directory reference. Backfile
// directories are years; frontfile granularity follows the depth below the
// frontfile root.
func (r *Resolver) Target(dir string) Target {
	dir = remote.Clean(dir)
	if within(r.backRoot, dir) {
		return Target{Dir: dir, Granularity: Year, Backfile: true}
	}
	rel := strings.TrimPrefix(dir, r.frontRoot+"/")
	switch strings.Count(rel, "/") {
	case 0:
		return Target{Dir: dir, Granularity: Year}
	case 1:
		return Target{Dir: dir, Granularity: Month}
	default:
		return Target{Dir: dir, Granularity: Day}
	}
}

func within(root, dir string) bool {
	return root != "" && strings.HasPrefix(dir+"/", root+"/")
}

func (r *Resolver) dayDir(t time.Time) string {
	return path.Join(r.frontRoot, fmt.Sprintf("%04d/%02d/%02d", t.Year(), int(t.Month()), t.Day()))
}

// Plan returns the top-level targets for run in ascending order. Frontfile
// month and year targets still need Expand; backfile targets are year
// directories filtered to [StartYear, EndYear].
func (r *Resolver) Plan(ctx context.Context, run config.Run) ([]Target, error) {
	if !run.Frontfile {
		return r.planBackfile(ctx, run.StartYear, run.EndYear)
	}
	switch {
	case run.Date != "":
		day, err := ParseDate(run.Date, r.now())
		if err != nil {
			return nil, err
		}
		return []Target{{Dir: r.dayDir(day), Granularity: Day}}, nil
	case run.Day == 0 && run.Month == 0 && run.Year == 0:
		return []Target{{Dir: r.dayDir(r.now()), Granularity: Day}}, nil
	case run.Day != 0 && (run.Month == 0 || run.Year == 0):
		return nil, fmt.Errorf("%w: day %d needs month and year", ErrInvalidDate, run.Day)
	case run.Month != 0 && run.Year == 0:
		return nil, fmt.Errorf("%w: month %d needs a year", ErrInvalidDate, run.Month)
	case run.Day != 0:
		t := time.Date(run.Year, time.Month(run.Month), run.Day, 0, 0, 0, 0, time.UTC)
		if t.Day() != run.Day || int(t.Month()) != run.Month {
			return nil, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, run.Year, run.Month, run.Day)
		}
		return []Target{{Dir: r.dayDir(t), Granularity: Day}}, nil
	case run.Month != 0:
		if run.Month < 1 || run.Month > 12 {
			return nil, fmt.Errorf("%w: month %d", ErrInvalidDate, run.Month)
		}
		dir := path.Join(r.frontRoot, fmt.Sprintf("%04d/%02d", run.Year, run.Month))
		return []Target{{Dir: dir, Granularity: Month}}, nil
	default:
		return []Target{{Dir: path.Join(r.frontRoot, fmt.Sprintf("%04d", run.Year)), Granularity: Year}}, nil
	}
}

func (r *Resolver) planBackfile(ctx context.Context, start, end int) ([]Target, error) {
	entries, err := r.conn.List(ctx, r.backRoot)
	if err != nil {
		return nil, fmt.Errorf("list backfile root: %w", err)
	}
	var out []Target
	for _, name := range remote.Dirs(entries) {
		year, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			r.logger.Debug("skipping backfile entry without a year", zap.String("name", name))
			continue
		}
		if year < start || year > end {
			continue
		}
		out = append(out, Target{Dir: path.Join(r.backRoot, name), Granularity: Year, Backfile: true})
	}
	return out, nil
}

// Expand lists frontfile month and year targets down to day targets. Day and
// backfile targets are returned unchanged.
func (r *Resolver) Expand(ctx context.Context, t Target) ([]Target, error) {
	if t.Backfile || t.Granularity == Day {
		return []Target{t}, nil
	}
	entries, err := r.conn.List(ctx, t.Dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.Dir, err)
	}
	var out []Target
	for _, name := range remote.Dirs(entries) {
		child := Target{Dir: path.Join(t.Dir, name), Granularity: Day}
		if t.Granularity == Year {
			child.Granularity = Month
			days, err := r.Expand(ctx, child)
			if err != nil {
				return nil, err
			}
			out = append(out, days...)
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// Inspect fills t.Files. A missing directory yields an error wrapping
// remote.ErrNotFound; a directory without delta files yields no files.
func (r *Resolver) Inspect(ctx context.Context, t Target) (Target, error) {
	entries, err := r.conn.List(ctx, t.Dir)
	if err != nil {
		return t, fmt.Errorf("list %s: %w", t.Dir, err)
	}
	if t.Backfile {
		for _, name := range remote.Files(entries, func(n string) bool { return strings.HasSuffix(n, backfileSuffix) }) {
			t.Files = append(t.Files, DeltaFile{Dir: t.Dir, Name: name, Granularity: t.Granularity})
		}
		return t, nil
	}

	indexes := remote.Files(entries, func(n string) bool { return n == IndexFile })
	if len(indexes) > 1 {
		return t, fmt.Errorf("%s: %w", t.Dir, ErrAmbiguousIndex)
	}
	if len(indexes) == 1 {
		files, err := r.readIndex(ctx, t)
		if err != nil {
			return t, err
		}
		if len(files) == 0 {
			r.logger.Info("index lists no chemical files", zap.String("dir", t.Dir))
		}
		t.Files = files
		return t, nil
	}

	names := remote.Files(entries, func(n string) bool { return strings.HasSuffix(n, chemicalsSuffix) })
	if len(names) > 0 {
		r.logger.Warn("no "+IndexFile+", using directory listing", zap.String("dir", t.Dir))
	}
	for _, name := range names {
		t.Files = append(t.Files, DeltaFile{Dir: t.Dir, Name: name, Granularity: t.Granularity})
	}
	return t, nil
}

// readIndex returns the chemical (non-supplementary) files named in the
// directory's index. Entries are relative to the frontfile root; bare file
// names are relative to the day directory.
func (r *Resolver) readIndex(ctx context.Context, t Target) ([]DeltaFile, error) {
	rc, err := r.conn.Retrieve(ctx, path.Join(t.Dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("fetch %s index: %w", t.Dir, err)
	}
	defer func() { _ = rc.Close() }()

	seen := map[string]bool{}
	var out []DeltaFile
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(line, "chemicals") || strings.Contains(line, "supp") {
			continue
		}
		dir, name := path.Split(line)
		if dir == "" {
			dir = t.Dir
		} else {
			dir = path.Join(r.frontRoot, remote.Clean(dir))
		}
		f := DeltaFile{Dir: dir, Name: name, Granularity: t.Granularity}
		if seen[f.Path()] {
			continue
		}
		seen[f.Path()] = true
		out = append(out, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s index: %w", t.Dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}
