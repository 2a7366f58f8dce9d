package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"schemblsync/internal/interlink"
	"schemblsync/internal/warehouse"
)

func newInterlinkCmd(a *app) *cobra.Command {
	var (
		opts    interlink.Options
		noFall  bool
		execute bool
		format  string
	)
	cmd := &cobra.Command{
		Use:   "interlink",
		Short: "Render or run the InChI interlink query against an external compound table",
		Long: `interlink pairs rows of an external table with SureChEMBL identifiers by
standard InChI. Rows without an exact match are retried with the stereo
(/b and /t) layers removed unless --no-fallback is given.

Without --execute the SQL is printed for the configured --db-type.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := warehouse.ParseDialect(a.cfg.DB.Type)
			if err != nil {
				return err
			}
			opts.StereoFallback = !noFall
			if opts.Structure == "" {
				opts.Structure = a.cfg.DB.Table
				if a.cfg.DB.Schema != "" {
					opts.Structure = a.cfg.DB.Schema + "." + a.cfg.DB.Table
				}
			}
			query, err := interlink.Render(d, opts)
			if err != nil {
				return err
			}
			if !execute {
				_, err := fmt.Fprint(a.stdout, query)
				return err
			}

			if err := a.cfg.ValidateDB(); err != nil {
				return err
			}
			wh, err := warehouse.Open(cmd.Context(), a.cfg.DB, nil)
			if err != nil {
				return err
			}
			defer func() { _ = wh.Close() }()
			matches, err := interlink.Run(cmd.Context(), wh.DB(), query)
			if err != nil {
				return err
			}
			return interlink.Write(a.stdout, format, matches)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.External, "external", "", "external table, optionally schema-qualified")
	f.StringVar(&opts.CustomID, "custom-id", "custom_id", "identifier column of the external table")
	f.StringVar(&opts.InChI, "inchi-column", "std_inchi", "standard InChI column of the external table")
	f.StringVar(&opts.Structure, "structure", "", "SureChEMBL table (defaults to the destination table)")
	f.BoolVar(&noFall, "no-fallback", false, "exact matches only")
	f.BoolVar(&opts.InputOnly, "input-only", false, "strip stereo layers from the external InChI only")
	f.BoolVar(&execute, "execute", false, "run the query and print the matches")
	f.StringVar(&format, "format", "csv", "csv, json or yaml (with --execute)")
	_ = cmd.MarkFlagRequired("external")
	return cmd
}
