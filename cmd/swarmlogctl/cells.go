package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmlog/swarmlog/internal/cells"
	"github.com/swarmlog/swarmlog/internal/eventlog"
)

var cellsStatusFlag string

// cellsCmd prints the cells projection as a table (spec §6: "id | title <=
// 47 chars truncated | status | priority", or "No cells found" on empty).
var cellsCmd = &cobra.Command{
	Use:   "cells",
	Short: "List cells as a table",
	RunE:  runCells,
}

func init() {
	cellsCmd.Flags().StringVar(&cellsStatusFlag, "status", "", "filter by status (open, in_progress, blocked, closed)")
	rootCmd.AddCommand(cellsCmd)
}

func runCells(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	db := client.DB()
	store := cells.NewStore(db, eventlog.NewLogStore(db))
	rows, err := store.List(ctx, projectFlag, cells.Status(cellsStatusFlag))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No cells found")
		return nil
	}

	fmt.Printf("%-20s  %-47s  %-12s  %s\n", "id", "title", "status", "priority")
	for _, c := range rows {
		fmt.Printf("%-20s  %-47s  %-12s  %d\n", c.ID, truncateTitle(c.Title), c.Status, c.Priority)
	}
	return nil
}

// truncateTitle caps title at 47 characters, per spec §6's CLI column width.
func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= 47 {
		return title
	}
	return string(runes[:44]) + "..."
}
