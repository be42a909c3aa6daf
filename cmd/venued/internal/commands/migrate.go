package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/venuekit/venued/internal/logger"
	postgresstore "github.com/venuekit/venued/internal/store/postgres"
)

type MigrateCmd struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
}

func (c *MigrateCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	if c.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--conn-string or POSTGRES_CONNECTION_STRING)")
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{ConnString: c.ConnString})
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	if err := postgresstore.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	log.Info().Msg("Database migrations completed")
	return nil
}
