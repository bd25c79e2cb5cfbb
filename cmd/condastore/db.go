package main

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/conda-incubator/condastore/internal/catalog"
	"github.com/conda-incubator/condastore/internal/db"
	"github.com/spf13/cobra"
)

func newDBCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd(opts))
	cmd.AddCommand(newDBSettingsCmd(opts))
	return cmd
}

func newDBMigrateCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the catalog schema",
		Long:  "Migrates all tables and seeds runtime settings that are not yet set. Existing settings are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Migrate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}
}

// settingKeys are the runtime settings operators may change.
var settingKeys = map[string]bool{
	db.KeyBuildKeyVersion:     true,
	db.KeyMaxConcurrentBuilds: true,
}

func newDBSettingsCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change runtime settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			keys := make([]string, 0, len(settingKeys))
			for k := range settingKeys {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE")
			for _, k := range keys {
				v, ok, err := catalog.GetSetting(a.DB, db.SettingsPrefix, k)
				if err != nil {
					return err
				}
				if !ok {
					v = "-"
				}
				fmt.Fprintf(w, "%s\t%s\n", k, v)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change a runtime setting",
		Long:  "Changes a runtime setting. Raising build_key_version affects builds registered afterwards; existing builds keep their version.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !settingKeys[key] {
				return fmt.Errorf("unknown setting %q", key)
			}
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || (key == db.KeyBuildKeyVersion && n < 1) {
				return fmt.Errorf("invalid value %q for %s", value, key)
			}
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := catalog.SetSetting(a.DB, db.SettingsPrefix, key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
			return nil
		},
	})
	return cmd
}
