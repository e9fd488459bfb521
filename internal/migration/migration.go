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
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	"github.com/smallbiznis/tenancy/internal/events"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"gorm.io/gorm"
)

//go:embed migrations
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// PlatformModels lists every table of the platform database in dependency order.
func PlatformModels() []any {
	return []any{
		&plandomain.Plan{},
		&tenantdomain.Tenant{},
		&tenantdomain.TenantUser{},
		&tenantdomain.ReservedSubdomain{},
		&provisioningdomain.TenantDatabase{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.Payment{},
		&invoicedomain.InvoiceSequence{},
		&entitlementdomain.TenantUsage{},
		&events.TenantEvent{},
	}
}

// Migrate brings the platform schema up to date. Postgres runs the versioned
// SQL files; other dialects fall back to gorm AutoMigrate.
func Migrate(conn *gorm.DB, dialect string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if dialect != db.TypePostgres {
		return conn.AutoMigrate(PlatformModels()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
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

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
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
