package main

import (
	"github.com/spf13/cobra"

	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/store"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
		Example: `  wsserver migrate up
  wsserver migrate down`,
	}

	run := func(up bool) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		db, err := store.OpenPostgres(cfg.DatabaseURL, store.DefaultPostgresConfig())
		if err != nil {
			return err
		}
		defer closeDB(db)
		return store.Migrate(db, up)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  func(_ *cobra.Command, _ []string) error { return run(true) },
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE:  func(_ *cobra.Command, _ []string) error { return run(false) },
		},
	)
	return cmd
}
