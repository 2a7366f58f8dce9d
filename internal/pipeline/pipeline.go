// Package pipeline runs one synchronisation: it retries the backlog, resolves
// the requested remote directories, then fetches, parses and loads each one,
// queueing whatever could not be loaded for the next run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"schemblsync/internal/backlog"
	"schemblsync/internal/blob"
	"schemblsync/internal/chemfile"
	"schemblsync/internal/config"
	"schemblsync/internal/metrics"
	"schemblsync/internal/remote"
	"schemblsync/internal/resolve"
	"schemblsync/internal/warehouse"
)

// Loader is the destination surface a run drives. *warehouse.Warehouse
// implements it.
type Loader interface {
	Prepare(ctx context.Context) (*warehouse.State, error)
	Load(ctx context.Context, dir, runID string, rows []chemfile.Compound) (warehouse.Result, error)
	Count(ctx context.Context) (int64, error)
}

var _ Loader = (*warehouse.Warehouse)(nil)

// Deps are the collaborators of a run.
type Deps struct {
	Conn remote.Conn
	// ConnErr is the dial failure when the server could not be reached.
	// Day runs defer their directory; every other run fails.
	ConnErr error
	Backlog backlog.Store
	Loader  Loader
	Spool   blob.Store
	Metrics *metrics.Recorder
	Logger  *zap.Logger
	RunID   string
	Now     func() time.Time
}

// Pipeline executes a single run.
type Pipeline struct {
	run      config.Run
	archive  bool
	conn     remote.Conn
	connErr  error
	resolver *resolve.Resolver
	backlog  backlog.Store
	loader   Loader
	spool    blob.Store
	metrics  *metrics.Recorder
	logger   *zap.Logger
	runID    string
	now      func() time.Time
}

// New assembles a pipeline for cfg.
func New(cfg config.Config, d Deps) *Pipeline {
	p := &Pipeline{
		run:     cfg.Run,
		archive: cfg.Spool.Archive,
		conn:    d.Conn,
		connErr: d.ConnErr,
		backlog: d.Backlog,
		loader:  d.Loader,
		spool:   d.Spool,
		metrics: d.Metrics,
		logger:  d.Logger,
		runID:   d.RunID,
		now:     d.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.conn == nil {
		err := p.connErr
		if err == nil {
			err = errors.New("no ftp connection")
		}
		p.conn = offline{err: err}
	}
	p.logger = p.logger.With(zap.String("run_id", p.runID))
	p.resolver = resolve.New(p.conn, cfg.FTP, resolve.WithClock(p.now), resolve.WithLogger(p.logger))
	return p
}

// offline stands in for the server when dialing failed.
type offline struct{ err error }

func (o offline) List(context.Context, string) ([]remote.Entry, error)  { return nil, o.err }
func (o offline) Retrieve(context.Context, string) (io.ReadCloser, error) { return nil, o.err }

// Run executes the run. Per-directory failures are joined into the returned
// error after every directory has been attempted; the report is filled in
// either way.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	rep := Report{RunID: p.runID, Started: p.now().UTC()}
	err := p.execute(ctx, &rep)
	rep.Finished = p.now().UTC()

	bg := context.WithoutCancel(ctx)
	if n, lerr := p.backlog.Len(bg); lerr == nil {
		rep.Backlog = n
		p.metrics.BacklogSize.Set(float64(n))
	} else {
		p.logger.Warn("backlog size unavailable", zap.Error(lerr))
	}
	p.metrics.TableRows.Set(float64(rep.After))
	p.metrics.Finish(rep.Finished.Sub(rep.Started), err == nil, rep.Finished)

	fields := []zap.Field{
		zap.Int("loaded", rep.Count(OutcomeLoaded)),
		zap.Int("empty", rep.Count(OutcomeEmpty)),
		zap.Int("deferred", rep.Count(OutcomeDeferred)),
		zap.Int("failed", rep.Count(OutcomeFailed)),
		zap.Int("backlog", rep.Backlog),
		zap.Int64("added", rep.Added()),
	}
	if err != nil {
		p.logger.Error("run finished with errors", append(fields, zap.Error(err))...)
	} else {
		p.logger.Info("run finished", fields...)
	}
	return rep, err
}

func (p *Pipeline) execute(ctx context.Context, rep *Report) error {
	st, err := p.loader.Prepare(ctx)
	if err != nil {
		return fmt.Errorf("prepare destination: %w", err)
	}
	if st != nil && st.Dir != "" {
		rep.Recovered = st.Dir
		p.logger.Warn("repaired interrupted load", zap.String("dir", st.Dir), zap.String("interrupted_run", st.RunID))
		t := p.resolver.Target(st.Dir)
		if err := p.queue(ctx, t, backlog.ReasonRecovery, fmt.Errorf("load interrupted during run %s", st.RunID)); err != nil {
			return err
		}
	}
	if rep.Before, err = p.loader.Count(ctx); err != nil {
		return fmt.Errorf("count destination: %w", err)
	}
	rep.After = rep.Before

	var failures []error
	if p.connErr != nil {
		failures = p.unreachable(ctx, rep)
	} else {
		failures = p.sync(ctx, rep)
	}

	if after, err := p.loader.Count(context.WithoutCancel(ctx)); err == nil {
		rep.After = after
	} else {
		failures = append(failures, fmt.Errorf("count destination: %w", err))
	}
	return errors.Join(failures...)
}

func (p *Pipeline) sync(ctx context.Context, rep *Report) []error {
	var failures []error
	seen := map[string]bool{}

	pending, err := p.backlog.List(ctx)
	if err != nil {
		return []error{fmt.Errorf("list backlog: %w", err)}
	}
	if len(pending) > 0 {
		p.logger.Info("retrying backlog", zap.Int("dirs", len(pending)))
	}
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return append(failures, err)
		}
		failures = append(failures, p.visit(ctx, rep, p.resolver.Target(e.Dir), seen)...)
	}

	targets, err := p.resolver.Plan(ctx, p.run)
	if err != nil {
		return append(failures, fmt.Errorf("resolve targets: %w", err))
	}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return append(failures, err)
		}
		failures = append(failures, p.visit(ctx, rep, t, seen)...)
	}
	return failures
}

// unreachable defers a day run's directory when the server could not be
// dialed. Any other run cannot be planned without a listing and fails.
func (p *Pipeline) unreachable(ctx context.Context, rep *Report) []error {
	cause := fmt.Errorf("connect: %w", p.connErr)
	if !p.run.Frontfile {
		return []error{cause}
	}
	targets, err := p.resolver.Plan(ctx, p.run)
	if err != nil {
		return []error{cause, err}
	}
	for _, t := range targets {
		if t.Granularity != resolve.Day {
			return []error{cause}
		}
	}
	var failures []error
	for _, t := range targets {
		dr := DirReport{Dir: t.Dir, Granularity: string(t.Granularity)}
		if err := p.settle(ctx, rep, dr, t, backlog.ReasonConnect, cause); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

// visit expands t to day directories and loads each one not seen yet.
func (p *Pipeline) visit(ctx context.Context, rep *Report, t resolve.Target, seen map[string]bool) []error {
	days, err := p.resolver.Expand(ctx, t)
	if err != nil {
		seen[t.Dir] = true
		dr := DirReport{Dir: t.Dir, Granularity: string(t.Granularity)}
		if ferr := p.settle(ctx, rep, dr, t, backlog.ReasonFetch, err); ferr != nil {
			return []error{ferr}
		}
		return nil
	}
	if len(days) != 1 || days[0].Dir != t.Dir {
		// expanded parents are tracked through their days from here on
		if err := p.backlog.Remove(ctx, t.Dir); err != nil {
			p.logger.Warn("backlog remove failed", zap.String("dir", t.Dir), zap.Error(err))
		}
	}
	var failures []error
	for _, d := range days {
		if seen[d.Dir] {
			continue
		}
		seen[d.Dir] = true
		if err := ctx.Err(); err != nil {
			return append(failures, err)
		}
		if err := p.load(ctx, rep, d); err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

// load processes one directory as a unit: either all of its rows reach the
// table or the directory goes to the backlog.
func (p *Pipeline) load(ctx context.Context, rep *Report, t resolve.Target) error {
	dr := DirReport{Dir: t.Dir, Granularity: string(t.Granularity)}
	log := p.logger.With(zap.String("dir", t.Dir))

	t, err := p.resolver.Inspect(ctx, t)
	if err != nil {
		return p.settle(ctx, rep, dr, t, backlog.ReasonFetch, err)
	}
	if len(t.Files) == 0 {
		log.Info("no delta files, skipping")
		dr.Outcome = OutcomeEmpty
		p.record(rep, dr)
		return p.clear(ctx, t.Dir)
	}

	var keys []string
	defer func() { p.cleanup(ctx, keys) }()

	sets := make([][]chemfile.Compound, 0, len(t.Files))
	for _, f := range t.Files {
		key, err := p.fetch(ctx, f)
		if key != "" {
			keys = append(keys, key)
		}
		if err != nil {
			return p.settle(ctx, rep, dr, t, backlog.ReasonFetch, err)
		}
		res, err := p.parse(ctx, key, f)
		if err != nil {
			return p.settle(ctx, rep, dr, t, backlog.ReasonParse, err)
		}
		dr.Files++
		dr.Parsed += res.Read
		dr.Duplicates += res.Duplicates
		sets = append(sets, res.Rows)
	}
	rows, dropped := chemfile.MergeByID(sets...)
	dr.Duplicates += dropped
	p.metrics.DuplicatesDropped.Add(float64(dropped))

	start := p.now()
	res, err := p.loader.Load(ctx, t.Dir, p.runID, rows)
	p.metrics.Observe("load", err == nil, p.now().Sub(start))
	if err != nil {
		reason := backlog.ReasonLoad
		if errors.Is(err, warehouse.ErrConstraint) {
			reason = backlog.ReasonConstraint
		}
		return p.settle(ctx, rep, dr, t, reason, err)
	}

	dr.Outcome = OutcomeLoaded
	dr.Staged = res.Staged
	dr.Added = res.Added()
	p.metrics.RowsLoaded.Add(float64(dr.Added))
	p.record(rep, dr)
	log.Info(fmt.Sprintf("Compounds: %d; New compounds: %d; Final count in the DB: %d", len(rows), dr.Added, res.After),
		zap.Int("files", dr.Files), zap.String("inserter", res.Inserter))
	return p.clear(ctx, t.Dir)
}

// settle queues a directory that could not be loaded. A directory the server
// does not have yet is deferred; anything else is a failure and is returned.
func (p *Pipeline) settle(ctx context.Context, rep *Report, dr DirReport, t resolve.Target, reason string, cause error) error {
	failed := true
	switch {
	case errors.Is(cause, remote.ErrNotFound):
		reason, failed = backlog.ReasonMissing, false
	case reason == backlog.ReasonConnect:
		failed = false
	}
	dr.Reason = reason
	dr.Error = cause.Error()
	if failed {
		dr.Outcome = OutcomeFailed
		p.logger.Error("directory failed, queued for retry", zap.String("dir", t.Dir), zap.String("reason", reason), zap.Error(cause))
	} else {
		dr.Outcome = OutcomeDeferred
		p.logger.Warn("directory deferred", zap.String("dir", t.Dir), zap.String("reason", reason), zap.Error(cause))
	}
	p.record(rep, dr)

	qerr := p.queue(ctx, t, reason, cause)
	if !failed {
		return qerr
	}
	return errors.Join(fmt.Errorf("%s: %w", t.Dir, cause), qerr)
}

func (p *Pipeline) queue(ctx context.Context, t resolve.Target, reason string, cause error) error {
	e := backlog.Entry{
		Dir:         t.Dir,
		Granularity: string(t.Granularity),
		Reason:      reason,
		LastError:   cause.Error(),
		LastAttempt: p.now(),
	}
	if err := p.backlog.Add(context.WithoutCancel(ctx), e); err != nil {
		return fmt.Errorf("queue %s: %w", t.Dir, err)
	}
	return nil
}

func (p *Pipeline) clear(ctx context.Context, dir string) error {
	if err := p.backlog.Remove(context.WithoutCancel(ctx), dir); err != nil {
		return fmt.Errorf("unqueue %s: %w", dir, err)
	}
	return nil
}

func (p *Pipeline) record(rep *Report, dr DirReport) {
	rep.Dirs = append(rep.Dirs, dr)
	p.metrics.Directories.WithLabelValues(string(dr.Outcome)).Inc()
}
