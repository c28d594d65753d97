package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: "Apply embedded migrations to the AI call log database: SQLite at\n" +
			"~/.tamias/data.sqlite, or Postgres when TAMIAS_POSTGRES_DSN is set.\n" +
			"The daemon migrates on startup too; this command exists for running\n" +
			"migrations ahead of a deploy.",
		Run: func(cmd *cobra.Command, args []string) {
			paths := config.DefaultPaths()
			if err := paths.EnsureLayout(); err != nil {
				fmt.Fprintf(os.Stderr, "tamias: prepare %s: %v\n", paths.Root, err)
				os.Exit(1)
			}
			cfg, err := config.Load(paths)
			if err != nil {
				fmt.Fprintf(os.Stderr, "tamias: %v\n", err)
				os.Exit(1)
			}

			backend, url := "sqlite", "sqlite://"+paths.DataDB()
			if cfg.Database.PostgresDSN != "" {
				backend, url = "postgres", cfg.Database.PostgresDSN
			}
			if err := store.Migrate(backend, url); err != nil {
				fmt.Fprintf(os.Stderr, "tamias: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s migrations applied\n", backend)
		},
	}
}
