package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nadmax/taskforge/internal/eventstore/postgres"
)

const migrateTimeout = time.Minute

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version]",
		Short: "Run event store migrations",
		Long: `Connect to PostgreSQL and run a goose command against the event store schema.

Reads the DSN from --postgres-dsn, TASKFORGE_POSTGRES_DSN, or the config file.
The command defaults to "up".`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(_ *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			logger := buildLogger(v.GetString("log_level"), "taskforge-migrate")

			ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
			defer cancel()

			db, err := postgres.Open(ctx, v.GetString("postgres_dsn"), postgres.PoolConfig{MaxOpenConns: 2})
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(ctx, db, command, logger)
		},
	}
}
