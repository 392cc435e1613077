package admin

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/kkwann/midoproject2/api/config"
	"github.com/pressly/goose/v3"
)

// PgMigrateUp runs all pending session database migrations.
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg config.PostgresConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.MigratePostgres(ctx, log, cfg.ConnString())
}

// PgMigrateStatus logs the state of every session database migration.
func PgMigrateStatus(ctx context.Context, log *slog.Logger, cfg config.PostgresConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	fsys, err := fs.Sub(config.EmbedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	for _, s := range statuses {
		log.Info("postgres: migration", "version", s.Source.Version, "path", s.Source.Path, "state", s.State, "applied_at", s.AppliedAt)
	}
	return nil
}
