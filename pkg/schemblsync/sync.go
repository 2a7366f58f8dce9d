// Package schemblsync runs a SureChEMBL synchronisation from a configuration:
// it dials the vendor server, opens the destination database, backlog and
// spool, runs the pipeline and exports run metrics.
package schemblsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schemblsync/internal/backlog"
	"schemblsync/internal/blob"
	"schemblsync/internal/config"
	"schemblsync/internal/metrics"
	"schemblsync/internal/pipeline"
	"schemblsync/internal/remote"
	"schemblsync/internal/warehouse"
)

// Report is the outcome of a run.
type Report = pipeline.Report

// Option customises Sync.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	conn    remote.Conn
	spool   blob.Store
	backlog backlog.Store
	now     func() time.Time
	runID   string
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithConn uses conn instead of dialing the configured server.
func WithConn(conn remote.Conn) Option { return func(o *options) { o.conn = conn } }

// WithSpool uses s instead of the configured spool.
func WithSpool(s blob.Store) Option { return func(o *options) { o.spool = s } }

// WithBacklog uses s instead of the backlog table in the destination database.
func WithBacklog(s backlog.Store) Option { return func(o *options) { o.backlog = s } }

// WithClock sets the clock used for "today" and timestamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option { return func(o *options) { o.runID = id } }

// Sync validates cfg and performs one run. The report is returned even when
// the error is non-nil, unless the run could not start.
func Sync(ctx context.Context, cfg config.Config, opts ...Option) (Report, error) {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	logger := o.logger

	wh, err := warehouse.Open(ctx, cfg.DB, logger)
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = wh.Close() }()

	queue := o.backlog
	if queue == nil {
		if queue, err = backlog.NewSQLStore(ctx, wh.DB(), string(wh.Dialect()), cfg.DB.Schema); err != nil {
			return Report{}, err
		}
	}

	spool := o.spool
	if spool == nil {
		if spool, err = blob.Open(ctx, blob.FromConfig(cfg.Spool)); err != nil {
			return Report{}, fmt.Errorf("open spool: %w", err)
		}
	}

	deps := pipeline.Deps{
		Conn:    o.conn,
		Backlog: queue,
		Loader:  wh,
		Spool:   spool,
		Metrics: metrics.New(),
		Logger:  logger,
		RunID:   o.runID,
		Now:     o.now,
	}
	if deps.Conn == nil {
		sess, err := remote.Dial(ctx, cfg.FTP, logger)
		if err != nil {
			logger.Error("ftp connection failed", zap.String("host", cfg.FTP.Host), zap.Error(err))
			deps.ConnErr = err
		} else {
			defer func() { _ = sess.Close() }()
			deps.Conn = sess
		}
	}

	rep, err := pipeline.New(cfg, deps).Run(ctx)
	if merr := deps.Metrics.Export(context.WithoutCancel(ctx), cfg.Metrics); merr != nil {
		logger.Warn("metrics export failed", zap.Error(merr))
	}
	return rep, err
}
