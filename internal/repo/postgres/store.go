package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/animus-labs/animus-deploy/internal/repo"
)

// Store implements repo.Store over a single database handle.
type Store struct {
	*RunStore
	*StageExecutionStore
	*DefinitionStore
	*ApprovalStore
	*LineageStore
}

var _ repo.Store = (*Store)(nil)

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		RunStore:            NewRunStore(db),
		StageExecutionStore: NewStageExecutionStore(db),
		DefinitionStore:     NewDefinitionStore(db),
		ApprovalStore:       NewApprovalStore(db),
		LineageStore:        NewLineageStore(db),
	}
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, db *sql.DB) (uint, error) {
	if db == nil {
		return 0, errors.New("db is required")
	}
	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("open migrations: %w", err)
	}
	drv, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	return version, nil
}
