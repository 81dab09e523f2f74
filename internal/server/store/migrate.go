package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations brings the schema up to date. goose needs database/sql,
// so this opens a short-lived connection separate from the pgx pool.
func RunMigrations(databaseURL, schema string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database for migration: %w", err)
	}
	defer db.Close()

	if schema != "" {
		if err := ensureSchemaExists(db, schema); err != nil {
			return fmt.Errorf("ensure schema exists: %w", err)
		}
		if _, err := db.Exec("SET search_path TO " + pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if schema != "" {
		goose.SetTableName(schema + ".goose_db_version")
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	log.Info("database migrations applied", "schema", schema)
	return nil
}

func ensureSchemaExists(db *sql.DB, schema string) error {
	_, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize())
	return err
}
