// Command swarmlogctl is the operator CLI for swarmlog (spec §6): it talks
// directly to the same PostgreSQL store swarmlogd serves from, the way
// linear-fuse's CLI talks straight to its own store rather than through an
// intermediary API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmlog/swarmlog/internal/config"
	"github.com/swarmlog/swarmlog/internal/storage"
)

var projectFlag string
var profilesFileFlag string

var rootCmd = &cobra.Command{
	Use:   "swarmlogctl",
	Short: "Operate a swarmlog coordination log",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "default", "project key to operate on")
	rootCmd.PersistentFlags().StringVar(&profilesFileFlag, "profiles-file", "./deploy/config/worker-profiles.yaml", "path to the worker profiles YAML file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB connects to the configured PostgreSQL store; every subcommand
// shares this one connection path.
func openDB(ctx context.Context) (*storage.Client, error) {
	dbCfg, err := config.LoadDatabaseConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load database config: %w", err)
	}
	client, err := storage.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return client, nil
}
