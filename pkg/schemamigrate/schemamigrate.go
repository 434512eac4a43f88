// Package schemamigrate manages the graph loader's relational schema
// version: embedded SQL migrations applied via golang-migrate, versioned
// against the schema_migration_marker table pkg/graphload checks at
// Bootstrap.
package schemamigrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/hollomancer/sbir-analytics-sub004/internal/pipelineerr"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrator wraps a golang-migrate instance bound to the embedded
// migration files and a target Postgres connection.
type Migrator struct {
	m *migrate.Migrate
}

// New creates a Migrator over db's underlying connection.
func New(db *sql.DB) (*Migrator, error) {
	sourceDriver, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return nil, pipelineerr.ErrConfig("load embedded migrations", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, pipelineerr.ErrConfig("create postgres migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return nil, pipelineerr.ErrConfig("create migrator", err)
	}

	return &Migrator{m: m}, nil
}

// MigrateTo applies or rolls back migrations to reach targetVersion. A
// targetVersion of -1 migrates to the latest available version.
func (mg *Migrator) MigrateTo(targetVersion int) error {
	var err error
	if targetVersion < 0 {
		err = mg.m.Up()
	} else {
		err = mg.m.Migrate(uint(targetVersion))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return pipelineerr.ErrConfig(fmt.Sprintf("migrate to version %d", targetVersion), err)
	}
	return nil
}

// Version reports the currently applied migration version and whether
// the database is in a dirty (partially applied) state.
func (mg *Migrator) Version() (version int, dirty bool, err error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, pipelineerr.ErrConfig("read migration version", err)
	}
	return int(v), dirty, nil
}

// Close releases the underlying source and database driver handles.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
