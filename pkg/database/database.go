// Package database persists the polymorphic request model: a common
// request table joined to one side table per request type, plus the
// shared image, architecture and operator registries. All access goes
// through the Store.
package database

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect opens a Postgres connection pool for the given URI.
func Connect(uri string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate applies all pending schema migrations.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set the migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Store wraps the database handle with the request model operations.
type Store struct {
	db *sqlx.DB
}

// NewStore builds a Store around an open handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Ping verifies database connectivity; the healthcheck endpoint calls
// it per request.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
