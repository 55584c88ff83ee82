// Package migration creates the billing schema on startup so local and
// self-hosted deployments work out of the box.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	assignmentdomain "github.com/planfolio/billing/internal/assignment/domain"
	catalogdomain "github.com/planfolio/billing/internal/catalog/domain"
	entitydomain "github.com/planfolio/billing/internal/entity/domain"
	eventdomain "github.com/planfolio/billing/internal/event/domain"
	idemdomain "github.com/planfolio/billing/internal/idempotency/domain"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
	usagedomain "github.com/planfolio/billing/internal/usage/domain"
	"gorm.io/gorm"
)

//go:embed sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

// Run creates the schema for the configured dialect. Postgres gets the
// versioned SQL migrations; sqlite and mysql get the GORM auto-migrator,
// whose model tags carry the same unique indexes.
func Run(conn *gorm.DB, dbType string) error {
	if dbType != "postgres" {
		return autoMigrate(conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&entitydomain.BillableEntity{},
		&catalogdomain.Plan{},
		&catalogdomain.Product{},
		&assignmentdomain.PlanAssignment{},
		&planchangedomain.PlanChangeSchedule{},
		&eventdomain.BillingEvent{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageCounter{},
		&idemdomain.IdempotencyRecord{},
	)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
