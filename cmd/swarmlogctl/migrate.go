package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmlog/swarmlog/internal/migrate"
)

var (
	migrateRoot string
	migrateYes  bool
)

// migrateCmd consolidates stray per-subdirectory logs into the global log
// (spec §4.8). Interactive by default: it lists findings and stops; --yes
// runs the unattended path.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Detect and consolidate stray per-subdirectory logs into the global log",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateRoot, "root", ".", "directory to search for stray logs")
	migrateCmd.Flags().BoolVar(&migrateYes, "yes", false, "execute the migration plan unattended")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	plans, err := migrate.DetectAndPlan(ctx, migrate.RunOptions{Root: migrateRoot})
	if err != nil {
		return fmt.Errorf("detect strays: %w", err)
	}
	if len(plans) == 0 {
		fmt.Println("no stray logs found")
		return nil
	}

	for _, p := range plans {
		fmt.Printf("%-40s  schema=%-8s  action=%-7s  rows~%-6d  %s\n", p.Path, p.Schema, p.Action, p.EstimatedRows, p.Reason)
	}

	if !migrateYes {
		fmt.Println("\nrerun with --yes to execute this plan")
		return nil
	}

	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reports, err := migrate.Execute(ctx, client.DB(), plans)
	if err != nil {
		return fmt.Errorf("execute plan: %w", err)
	}
	for _, r := range reports {
		fmt.Printf("%s\n", r.Path)
		for _, t := range r.Tables {
			fmt.Printf("  %-20s migrated=%d skipped=%d errors=%d\n", t.Table, t.Migrated, t.Skipped, len(t.Errors))
			for _, e := range t.Errors {
				fmt.Printf("    ! %s\n", e)
			}
		}
	}
	return nil
}
