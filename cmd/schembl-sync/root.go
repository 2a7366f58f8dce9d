package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"schemblsync/internal/config"
	"schemblsync/internal/logging"
	"schemblsync/pkg/schemblsync"
)

// app carries state shared by the commands of one invocation.
type app struct {
	v          *viper.Viper
	stdout     io.Writer
	stderr     io.Writer
	configFile string
	envFile    string
	cfg        config.Config
}

// load resolves the configuration once flags have been parsed.
func (a *app) load(*cobra.Command, []string) error {
	cfg, err := config.Load(a.v, a.configFile, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) logger() (*zap.Logger, func() error, error) {
	return logging.New(a.cfg.Log, a.stderr)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"ftp-user":            "ftp.user",
	"ftp-password":        "ftp.password",
	"ftp-host":            "ftp.host",
	"ftp-timeout":         "ftp.timeout",
	"db-user":             "db.user",
	"db-password":         "db.password",
	"db-host":             "db.host",
	"db-port":             "db.port",
	"db-name":             "db.name",
	"db-type":             "db.type",
	"db-dsn":              "db.dsn",
	"db-table":            "db.table",
	"db-sslmode":          "db.sslmode",
	"postgres-schema":     "db.schema",
	"batch-size":          "db.batch_size",
	"frontfile":           "run.frontfile",
	"day":                 "run.day",
	"month":               "run.month",
	"year":                "run.year",
	"date":                "run.date",
	"start-year":          "run.start_year",
	"end-year":            "run.end_year",
	"spool-driver":        "spool.driver",
	"spool-root":          "spool.root",
	"archive":             "spool.archive",
	"metrics-textfile":    "metrics.textfile",
	"metrics-pushgateway": "metrics.pushgateway",
	"log-level":           "log.level",
	"log-file":            "log.file",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	d := config.Default()
	var reportFormat string

	root := &cobra.Command{
		Use:   "schembl-sync",
		Short: "Load SureChEMBL frontfile and backfile deltas into a compound table",
		Long: `schembl-sync retries queued directories, then fetches the requested
frontfile day, month or year (or backfile year range) from the SureChEMBL
FTP server and merges the compounds into the destination table.

Settings come from defaults, --config, a .env file, SCHEMBL_* variables
and flags, later sources winning.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              cobra.NoArgs,
		PersistentPreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog, err := a.logger()
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			rep, err := schemblsync.Sync(cmd.Context(), a.cfg, schemblsync.WithLogger(logger))
			if werr := writeReport(a.stdout, reportFormat, rep); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (toml or yaml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	pf.String("db-type", d.DB.Type, "destination database: postgres, mysql, sqlite or duckdb")
	pf.String("db-user", "", "database user")
	pf.String("db-password", "", "database password")
	pf.String("db-host", d.DB.Host, "database host")
	pf.Int("db-port", d.DB.Port, "database port (0 for the driver default)")
	pf.String("db-name", "", "database name, or file path for sqlite and duckdb")
	pf.String("db-dsn", "", "full connection string; overrides the other db flags")
	pf.String("db-table", d.DB.Table, "destination table")
	pf.String("db-sslmode", "", "postgres sslmode")
	pf.String("postgres-schema", "", "postgres schema holding the tables")
	pf.String("log-level", d.Log.Level, "debug, info, warn or error")
	pf.String("log-file", "", "also write JSON logs to this rotated file")

	f := root.Flags()
	f.String("ftp-user", "", "FTP user")
	f.String("ftp-password", "", "FTP password")
	f.String("ftp-host", d.FTP.Host, "FTP host:port")
	f.Duration("ftp-timeout", d.FTP.Timeout, "FTP dial timeout")
	f.Int("batch-size", d.DB.BatchSize, "rows per INSERT when bulk copy is unavailable")
	f.Bool("frontfile", d.Run.Frontfile, "load frontfile deltas instead of the backfile")
	f.Int("day", 0, "frontfile day (needs --month and --year)")
	f.Int("month", 0, "frontfile month (needs --year)")
	f.Int("year", 0, "frontfile year")
	f.String("date", "", `frontfile day as YYYY-MM-DD or words such as "yesterday"`)
	f.Int("start-year", d.Run.StartYear, "first backfile year")
	f.Int("end-year", d.Run.EndYear, "last backfile year")
	f.String("spool-driver", d.Spool.Driver, "download spool: fs, s3 or memory")
	f.String("spool-root", d.Spool.Root, "spool directory for the fs driver")
	f.Bool("archive", false, "keep downloaded files under archive/")
	f.String("metrics-textfile", "", "write run metrics to this node-exporter textfile")
	f.String("metrics-pushgateway", "", "push run metrics to this Pushgateway URL")
	f.StringVar(&reportFormat, "report", "", "print the run report as json or yaml")
	bindFlags(a.v, pf)
	bindFlags(a.v, f)

	root.AddCommand(newBacklogCmd(a), newInterlinkCmd(a), newConfigCmd(a))
	return root
}

func writeReport(w io.Writer, format string, rep schemblsync.Report) error {
	switch format {
	case "":
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}
