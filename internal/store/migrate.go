package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/keyframe/internal/monitoring"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// MigrateUp brings the schema to the newest embedded version.
func (s *Store) MigrateUp() error {
	return s.migrate("up", (*migrate.Migrate).Up)
}

// MigrateDown reverts one schema version. At version 0 it does nothing.
func (s *Store) MigrateDown() error {
	return s.migrate("down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// MigrateVersion reports the schema version; an empty database is version 0.
func (s *Store) MigrateVersion() (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := s.migrate("version", func(m *migrate.Migrate) error {
		var err error
		version, dirty, err = m.Version()
		return err
	})
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrate runs step against the embedded schema. The migrate instance is
// left open: closing it closes s.db.
func (s *Store) migrate(name string, step func(*migrate.Migrate) error) error {
	src, err := iofs.New(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("schema source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("schema driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("schema migrator: %w", err)
	}
	m.Log = schemaLog{}

	err = step(m)
	switch {
	case err == nil, errors.Is(err, migrate.ErrNoChange):
		return nil
	case errors.Is(err, fs.ErrNotExist):
		// Steps(-1) on an empty database.
		return nil
	}
	return fmt.Errorf("migrate %s: %w", name, err)
}

// schemaLog routes golang-migrate output to monitoring.Logf.
type schemaLog struct{}

func (schemaLog) Printf(format string, v ...interface{}) {
	monitoring.Logf("store schema: "+format, v...)
}

func (schemaLog) Verbose() bool { return false }
