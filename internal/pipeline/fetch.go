package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"schemblsync/internal/blob"
	"schemblsync/internal/chemfile"
	"schemblsync/internal/resolve"
)

// SpoolKey is where a run keeps a downloaded file until its directory is loaded.
func SpoolKey(runID string, f resolve.DeltaFile) string {
	return path.Join("spool", runID, f.Path())
}

// ArchiveKey is where a downloaded file is kept when archiving is enabled.
func ArchiveKey(f resolve.DeltaFile) string {
	return path.Join("archive", f.Path())
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".gz") {
		return "application/gzip"
	}
	return "text/tab-separated-values"
}

// fetch streams f from the server into the spool. The returned key is set
// whenever a spool object was written, even if archiving it failed.
func (p *Pipeline) fetch(ctx context.Context, f resolve.DeltaFile) (string, error) {
	start := p.now()
	info, err := p.download(ctx, f)
	p.metrics.Observe("fetch", err == nil, p.now().Sub(start))
	if err != nil {
		return "", err
	}
	p.metrics.FilesFetched.Inc()
	p.metrics.BytesFetched.Add(float64(info.Size))
	p.logger.Debug("fetched", zap.String("file", f.Path()), zap.Int64("bytes", info.Size), zap.String("key", info.Key))

	if p.archive {
		if err := p.keep(ctx, info.Key, f); err != nil {
			return info.Key, err
		}
	}
	return info.Key, nil
}

func (p *Pipeline) download(ctx context.Context, f resolve.DeltaFile) (blob.Info, error) {
	rc, err := p.conn.Retrieve(ctx, f.Path())
	if err != nil {
		return blob.Info{}, fmt.Errorf("retrieve %s: %w", f.Path(), err)
	}
	defer func() { _ = rc.Close() }()

	info, err := p.spool.Put(ctx, SpoolKey(p.runID, f), rc, blob.PutOptions{
		ContentType: contentType(f.Name),
		Metadata:    map[string]string{"run_id": p.runID, "source": f.Path()},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("spool %s: %w", f.Path(), err)
	}
	return info, nil
}

// keep copies a spooled file to its archive key, replacing an earlier copy.
func (p *Pipeline) keep(ctx context.Context, key string, f resolve.DeltaFile) error {
	_, rc, err := p.spool.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read spooled %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	dst := ArchiveKey(f)
	if _, err := p.spool.Delete(ctx, dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	if _, err := p.spool.Put(ctx, dst, rc, blob.PutOptions{
		ContentType: contentType(f.Name),
		Metadata:    map[string]string{"run_id": p.runID, "source": f.Path()},
	}); err != nil {
		return fmt.Errorf("archive %s: %w", f.Path(), err)
	}
	return nil
}

func (p *Pipeline) parse(ctx context.Context, key string, f resolve.DeltaFile) (chemfile.Result, error) {
	_, rc, err := p.spool.Get(ctx, key)
	if err != nil {
		return chemfile.Result{}, fmt.Errorf("read spooled %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	start := p.now()
	res, err := chemfile.Parse(rc, f.Path())
	p.metrics.Observe("parse", err == nil, p.now().Sub(start))
	if err != nil {
		return res, err
	}
	p.metrics.RowsParsed.Add(float64(res.Read))
	p.metrics.DuplicatesDropped.Add(float64(res.Duplicates))
	return res, nil
}

// cleanup drops the spool objects of a directory once it is done with,
// whatever the outcome. A failed directory is fetched again on retry.
func (p *Pipeline) cleanup(ctx context.Context, keys []string) {
	bg := context.WithoutCancel(ctx)
	for _, key := range keys {
		if _, err := p.spool.Delete(bg, key); err != nil {
			p.logger.Warn("spool cleanup failed", zap.String("key", key), zap.Error(err))
		}
	}
}
