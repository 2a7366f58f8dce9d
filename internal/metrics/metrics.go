// Package metrics records per-run counters on a private Prometheus registry
// and exports them to a node-exporter textfile or a Pushgateway.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"schemblsync/internal/config"
)

const namespace = "schembl_sync"

// Recorder holds the run's metrics.
type Recorder struct {
	registry *prometheus.Registry

	FilesFetched      prometheus.Counter
	BytesFetched      prometheus.Counter
	RowsParsed        prometheus.Counter
	DuplicatesDropped prometheus.Counter
	RowsLoaded        prometheus.Counter
	Directories       *prometheus.CounterVec
	BacklogSize       prometheus.Gauge
	TableRows         prometheus.Gauge
	RunDuration       prometheus.Gauge
	LastSuccess       prometheus.Gauge
	OperationSeconds  *prometheus.HistogramVec
}

// New builds a recorder with all metrics registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		FilesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "files_fetched_total", Help: "Delta files downloaded.",
		}),
		BytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_fetched_total", Help: "Bytes downloaded from the FTP server.",
		}),
		RowsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_parsed_total", Help: "Rows read from delta files.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_dropped_total", Help: "Rows dropped as duplicates before loading.",
		}),
		RowsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_loaded_total", Help: "New identifiers added to the destination table.",
		}),
		Directories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "directories_total", Help: "Remote directories processed, by outcome.",
		}, []string{"outcome"}),
		BacklogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "backlog_size", Help: "Directories waiting for retry.",
		}),
		TableRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "table_rows", Help: "Destination table row count after the run.",
		}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_duration_seconds", Help: "Wall time of the last run.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_success_timestamp_seconds", Help: "Unix time of the last run without failures.",
		}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds", Help: "Duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"operation", "result"}),
	}
	r.registry.MustRegister(
		r.FilesFetched, r.BytesFetched, r.RowsParsed, r.DuplicatesDropped, r.RowsLoaded,
		r.Directories, r.BacklogSize, r.TableRows, r.RunDuration, r.LastSuccess, r.OperationSeconds,
	)
	return r
}

// Registry exposes the private registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe records the duration and result of one pipeline stage.
func (r *Recorder) Observe(op string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	r.OperationSeconds.WithLabelValues(op, result).Observe(d.Seconds())
}

// Finish stamps the run duration and, when ok, the success timestamp.
func (r *Recorder) Finish(d time.Duration, ok bool, now time.Time) {
	r.RunDuration.Set(d.Seconds())
	if ok {
		r.LastSuccess.Set(float64(now.Unix()))
	}
}

// Export writes the registry to the sinks configured in cfg. Both are optional.
func (r *Recorder) Export(ctx context.Context, cfg config.Metrics) error {
	var errs []error
	if cfg.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Textfile, r.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if cfg.Pushgateway != "" {
		job := cfg.Job
		if job == "" {
			job = namespace
		}
		if err := push.New(cfg.Pushgateway, job).Gatherer(r.registry).PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
