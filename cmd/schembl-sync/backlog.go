package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"schemblsync/internal/backlog"
	"schemblsync/internal/warehouse"
)

// openBacklog opens the backlog table in the destination database. The
// returned close func releases the connection.
func (a *app) openBacklog(ctx context.Context) (*backlog.SQLStore, func() error, error) {
	if err := a.cfg.ValidateDB(); err != nil {
		return nil, nil, err
	}
	wh, err := warehouse.Open(ctx, a.cfg.DB, nil)
	if err != nil {
		return nil, nil, err
	}
	store, err := backlog.NewSQLStore(ctx, wh.DB(), string(wh.Dialect()), a.cfg.DB.Schema)
	if err != nil {
		_ = wh.Close()
		return nil, nil, err
	}
	return store, wh.Close, nil
}

func newBacklogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Inspect or prune directories queued for retry",
	}

	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued directories, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeDB, err := a.openBacklog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeDB() }()
			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []backlog.Entry{}
			}
			switch format {
			case "json":
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			case "yaml":
				enc := yaml.NewEncoder(a.stdout)
				enc.SetIndent(2)
				if err := enc.Encode(entries); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	list.Flags().StringVar(&format, "format", "yaml", "yaml or json")

	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear [DIR...]",
		Short: "Drop directories from the backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("name at least one directory or pass --all")
			}
			store, closeDB, err := a.openBacklog(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = closeDB() }()
			dirs := args
			if all {
				entries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				dirs = dirs[:0:0]
				for _, e := range entries {
					dirs = append(dirs, e.Dir)
				}
			}
			for _, dir := range dirs {
				if err := store.Remove(cmd.Context(), dir); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(a.stdout, "removed %s\n", dir); err != nil {
					return err
				}
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "drop every queued directory")

	cmd.AddCommand(list, clearCmd)
	return cmd
}
