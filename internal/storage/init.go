package storage

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5"
	_ "github.com/lib/pq"
)

const migrationPath = "migrations"

func runMigrations(db *sql.DB) error {
	const op = "storage.migrations"

	goose.SetDialect("postgres")

	err := goose.Up(db, migrationPath)
	if err != nil {
		if err == goose.ErrNoNextVersion {
			logrus.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	logrus.Info("database migrations applied")
	return nil
}
