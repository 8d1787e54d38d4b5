package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/tables"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mirroredTables = []string{tables.TaskTable.Name, tables.NoteTable.Name}

func newTablesCommand() *cobra.Command {
	tablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "Manage the row table mirrors",
	}
	tablesCmd.AddCommand(newResetUpsertCommand())
	return tablesCmd
}

func newResetUpsertCommand() *cobra.Command {
	var tableNames []string
	resetCmd := &cobra.Command{
		Use:   "reset-upsert",
		Short: "Retry upsert-by-key on tables that fell back to full replace",
		Long: "Forget that a remote table lacks a unique (user_id, id) constraint. " +
			"Run it after migrating the table; the next sync tries the upsert tier again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(viper.GetString("user.id"))
			if userID == "" {
				return fmt.Errorf("user.id is required")
			}
			local, _, closeLocal, err := openLocal(cmd)
			if err != nil {
				return err
			}
			defer closeLocal()
			flags, err := tables.NewFlagStore(local)
			if err != nil {
				return err
			}
			return resetUpsertSupport(cmd.Context(), cmd.OutOrStdout(), flags, userID, tableNames)
		},
	}
	resetCmd.Flags().StringSliceVar(&tableNames, "table", mirroredTables, "Tables to reset")
	return resetCmd
}

func resetUpsertSupport(ctx context.Context, out io.Writer, flags *tables.FlagStore, userID string, tableNames []string) error {
	for _, name := range tableNames {
		name = strings.TrimSpace(name)
		if !isMirroredTable(name) {
			return fmt.Errorf("unknown table %q (expected one of %s)", name, strings.Join(mirroredTables, ", "))
		}
	}
	for _, name := range tableNames {
		name = strings.TrimSpace(name)
		if err := flags.Reset(ctx, userID, name); err != nil {
			return fmt.Errorf("reset %s: %w", name, err)
		}
		if _, err := fmt.Fprintf(out, "upsert support of %s reset for %s\n", name, userID); err != nil {
			return err
		}
	}
	return nil
}

func isMirroredTable(name string) bool {
	for _, table := range mirroredTables {
		if table == name {
			return true
		}
	}
	return false
}
