// Package config loads runtime settings for schembl-sync from defaults, an
// optional config file, a .env file, SCHEMBL_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SCHEMBL_FTP_PASSWORD.
const EnvPrefix = "SCHEMBL"

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// DB types understood by the warehouse.
const (
	DBPostgres = "postgres"
	DBSQLite   = "sqlite"
	DBDuckDB   = "duckdb"
	DBMySQL    = "mysql"
)

// Config is the complete runtime configuration.
type Config struct {
	FTP     FTP     `mapstructure:"ftp" toml:"ftp"`
	DB      DB      `mapstructure:"db" toml:"db"`
	Spool   Spool   `mapstructure:"spool" toml:"spool"`
	Metrics Metrics `mapstructure:"metrics" toml:"metrics"`
	Log     Log     `mapstructure:"log" toml:"log"`
	Run     Run     `mapstructure:"run" toml:"run"`
}

// FTP holds the vendor file-transfer server settings.
type FTP struct {
	Host          string        `mapstructure:"host" toml:"host"`
	User          string        `mapstructure:"user" toml:"user"`
	Password      string        `mapstructure:"password" toml:"password"`
	Timeout       time.Duration `mapstructure:"timeout" toml:"timeout"`
	FrontfileRoot string        `mapstructure:"frontfile_root" toml:"frontfile_root"`
	BackfileRoot  string        `mapstructure:"backfile_root" toml:"backfile_root"`
}

// DB holds destination database settings. DSN, when set, wins over the
// individual connection fields. Port 0 means the driver's default port.
type DB struct {
	Type      string `mapstructure:"type" toml:"type"`
	User      string `mapstructure:"user" toml:"user"`
	Password  string `mapstructure:"password" toml:"password"`
	Host      string `mapstructure:"host" toml:"host"`
	Port      int    `mapstructure:"port" toml:"port"`
	Name      string `mapstructure:"name" toml:"name"`
	Schema    string `mapstructure:"schema" toml:"schema"`
	SSLMode   string `mapstructure:"sslmode" toml:"sslmode"`
	DSN       string `mapstructure:"dsn" toml:"dsn"`
	Table     string `mapstructure:"table" toml:"table"`
	BatchSize int    `mapstructure:"batch_size" toml:"batch_size"`
}

// Spool configures where downloads are staged.
type Spool struct {
	Driver  string  `mapstructure:"driver" toml:"driver"`
	Root    string  `mapstructure:"root" toml:"root"`
	Archive bool    `mapstructure:"archive" toml:"archive"`
	S3      SpoolS3 `mapstructure:"s3" toml:"s3"`
}

// SpoolS3 configures the S3 spool driver. Credentials come from the AWS chain.
type SpoolS3 struct {
	Bucket    string `mapstructure:"bucket" toml:"bucket"`
	Region    string `mapstructure:"region" toml:"region"`
	Endpoint  string `mapstructure:"endpoint" toml:"endpoint"`
	Prefix    string `mapstructure:"prefix" toml:"prefix"`
	PathStyle bool   `mapstructure:"path_style" toml:"path_style"`
}

// Metrics configures run metric export. Both sinks are optional.
type Metrics struct {
	Textfile    string `mapstructure:"textfile" toml:"textfile"`
	Pushgateway string `mapstructure:"pushgateway" toml:"pushgateway"`
	Job         string `mapstructure:"job" toml:"job"`
}

// Log configures the console and rotated file loggers.
type Log struct {
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

// Run selects what a single invocation loads. Frontfile false means backfile.
type Run struct {
	Frontfile bool   `mapstructure:"frontfile" toml:"frontfile"`
	Day       int    `mapstructure:"day" toml:"day"`
	Month     int    `mapstructure:"month" toml:"month"`
	Year      int    `mapstructure:"year" toml:"year"`
	Date      string `mapstructure:"date" toml:"date"`
	StartYear int    `mapstructure:"start_year" toml:"start_year"`
	EndYear   int    `mapstructure:"end_year" toml:"end_year"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		FTP: FTP{
			Host:          "ftp-private.ebi.ac.uk:21",
			Timeout:       30 * time.Second,
			FrontfileRoot: "data/external/frontfile",
			BackfileRoot:  "data/external/backfile",
		},
		DB: DB{
			Type:      DBPostgres,
			Host:      "localhost",
			Table:     "schembl_chemical_structure",
			BatchSize: 500,
		},
		Spool:   Spool{Driver: "fs", Root: "./spool"},
		Metrics: Metrics{Job: "schembl_sync"},
		Log:     Log{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Run:     Run{Frontfile: false, StartYear: 1950, EndYear: 2018},
	}
}

// SetDefaults registers every key with viper so AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper) {
	d := Default()
	defaults := map[string]any{
		"ftp.host":            d.FTP.Host,
		"ftp.user":            "",
		"ftp.password":        "",
		"ftp.timeout":         d.FTP.Timeout,
		"ftp.frontfile_root":  d.FTP.FrontfileRoot,
		"ftp.backfile_root":   d.FTP.BackfileRoot,
		"db.type":             d.DB.Type,
		"db.user":             "",
		"db.password":         "",
		"db.host":             d.DB.Host,
		"db.port":             d.DB.Port,
		"db.name":             "",
		"db.schema":           "",
		"db.sslmode":          "",
		"db.dsn":              "",
		"db.table":            d.DB.Table,
		"db.batch_size":       d.DB.BatchSize,
		"spool.driver":        d.Spool.Driver,
		"spool.root":          d.Spool.Root,
		"spool.archive":       false,
		"spool.s3.bucket":     "",
		"spool.s3.region":     "",
		"spool.s3.endpoint":   "",
		"spool.s3.prefix":     "",
		"spool.s3.path_style": false,
		"metrics.textfile":    "",
		"metrics.pushgateway": "",
		"metrics.job":         d.Metrics.Job,
		"log.level":           d.Log.Level,
		"log.file":            "",
		"log.max_size_mb":     d.Log.MaxSizeMB,
		"log.max_backups":     d.Log.MaxBackups,
		"log.max_age_days":    d.Log.MaxAgeDays,
		"log.compress":        false,
		"run.frontfile":       d.Run.Frontfile,
		"run.day":             0,
		"run.month":           0,
		"run.year":            0,
		"run.date":            "",
		"run.start_year":      d.Run.StartYear,
		"run.end_year":        d.Run.EndYear,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load resolves the configuration held by v. configFile and envFile are
// optional; a missing envFile is ignored.
func Load(v *viper.Viper, configFile, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a quoted identifier.
func ValidIdentifier(name string) bool { return identRE.MatchString(name) }

// ValidateDB checks the database section only; commands that never touch
// FTP (backlog, interlink) use it on its own.
func (c Config) ValidateDB() error {
	var errs []error
	switch c.DB.Type {
	case DBPostgres, DBMySQL:
		if c.DB.DSN == "" && (c.DB.Host == "" || c.DB.Name == "") {
			errs = append(errs, fmt.Errorf("%w: %s needs db.dsn or db.host and db.name", ErrInvalid, c.DB.Type))
		}
		if c.DB.Type == DBMySQL && c.DB.Schema != "" {
			errs = append(errs, fmt.Errorf("%w: db.schema is only supported for postgres", ErrInvalid))
		}
	case DBSQLite, DBDuckDB:
		if c.DB.Schema != "" {
			errs = append(errs, fmt.Errorf("%w: db.schema is only supported for postgres", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown db.type %q", ErrInvalid, c.DB.Type))
	}
	if !ValidIdentifier(c.DB.Table) {
		errs = append(errs, fmt.Errorf("%w: db.table %q is not a plain identifier", ErrInvalid, c.DB.Table))
	}
	if c.DB.Schema != "" && !ValidIdentifier(c.DB.Schema) {
		errs = append(errs, fmt.Errorf("%w: db.schema %q is not a plain identifier", ErrInvalid, c.DB.Schema))
	}
	if c.DB.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: db.batch_size must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Validate checks everything a load run needs.
func (c Config) Validate() error {
	errs := []error{c.ValidateDB()}
	if c.FTP.User == "" {
		errs = append(errs, fmt.Errorf("%w: ftp.user is required", ErrInvalid))
	}
	if c.FTP.Host == "" {
		errs = append(errs, fmt.Errorf("%w: ftp.host is required", ErrInvalid))
	}
	switch c.Spool.Driver {
	case "", "fs", "memory":
	case "s3":
		if c.Spool.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%w: spool.s3.bucket is required for the s3 driver", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown spool.driver %q", ErrInvalid, c.Spool.Driver))
	}
	r := c.Run
	if r.Frontfile {
		if r.Date != "" && (r.Day != 0 || r.Month != 0 || r.Year != 0) {
			errs = append(errs, fmt.Errorf("%w: run.date cannot be combined with day/month/year", ErrInvalid))
		}
		if r.Month < 0 || r.Month > 12 || r.Day < 0 || r.Day > 31 {
			errs = append(errs, fmt.Errorf("%w: day or month out of range", ErrInvalid))
		}
	} else if r.StartYear > r.EndYear {
		errs = append(errs, fmt.Errorf("%w: run.start_year %d is after run.end_year %d", ErrInvalid, r.StartYear, r.EndYear))
	}
	return errors.Join(errs...)
}

// ConnString returns the driver connection string for the configured database.
// The mysql DSN is assembled by the warehouse, which owns the driver config.
func (d DB) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Type {
	case DBPostgres:
		u := url.URL{Scheme: "postgres", Host: d.Host, Path: "/" + d.Name}
		if d.Port != 0 {
			u.Host = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		}
		if d.User != "" {
			if d.Password != "" {
				u.User = url.UserPassword(d.User, d.Password)
			} else {
				u.User = url.User(d.User)
			}
		}
		q := url.Values{}
		if d.SSLMode != "" {
			q.Set("sslmode", d.SSLMode)
		}
		if d.Schema != "" {
			q.Set("search_path", d.Schema)
		}
		u.RawQuery = q.Encode()
		return u.String()
	default:
		return d.Name
	}
}

// WriteTOML encodes cfg as a TOML document. Secrets are written as-is, so
// callers generating templates should pass Default().
func WriteTOML(w io.Writer, cfg Config) error {
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	return nil
}
