package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hookrelay/internal/platform/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if err := database.Migrate(cfg.Database, "up", steps); err != nil {
			return err
		}
		success.Println("Migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		all, _ := cmd.Flags().GetBool("all")
		if steps <= 0 && !all {
			return fmt.Errorf("pass --steps N or --all")
		}
		if all {
			steps = 0
		}
		if err := database.Migrate(cfg.Database, "down", steps); err != nil {
			return err
		}
		success.Println("Migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, dirty, err := database.Version(cfg.Database)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d", version)
		if dirty {
			warn.Fprint(cmd.OutOrStdout(), " (dirty)")
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	migrateUpCmd.Flags().Int("steps", 0, "apply at most N migrations")
	migrateDownCmd.Flags().Int("steps", 0, "roll back N migrations")
	migrateDownCmd.Flags().Bool("all", false, "roll back every migration")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}
