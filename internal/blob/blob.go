// Package blob selects the spool backend that holds downloaded delta files
// between fetch and load, and optionally archives them.
package blob

import (
	"context"
	"fmt"

	"schemblsync/internal/blob/core"
	"schemblsync/internal/config"
	"schemblsync/internal/infra/blob/fs"
	"schemblsync/internal/infra/blob/memory"
	infraS3 "schemblsync/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 driver.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound = core.ErrNotFound
	ErrExists   = core.ErrExists
)

// Config selects and parameterizes a spool backend.
type Config struct {
	Driver Driver
	Root   string // filesystem root when Driver is fs
	S3     S3Config
}

// Open constructs the configured Store. An empty driver means fs.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.Root)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// FromConfig maps the spool section of the runtime configuration.
func FromConfig(s config.Spool) Config {
	return Config{
		Driver: Driver(s.Driver),
		Root:   s.Root,
		S3: S3Config{
			Region:    s.S3.Region,
			Bucket:    s.S3.Bucket,
			Prefix:    s.S3.Prefix,
			Endpoint:  s.S3.Endpoint,
			PathStyle: s.S3.PathStyle,
		},
	}
}
