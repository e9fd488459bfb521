// Package tenantschema owns the schema every tenant database starts with.
package tenantschema

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
)

//go:embed migrations
var embeddedMigrations embed.FS

type Migrator struct{}

func New() provisioningdomain.SchemaMigrator {
	return Migrator{}
}

// Migrate brings the tenant schema to the latest version.
func (Migrator) Migrate(ctx context.Context, conn *sql.DB, dialect string) error {
	if conn == nil {
		return errors.New("tenant database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("open tenant migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create tenant migration source: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case db.TypePostgres:
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
	case db.TypeMySQL:
		driver, err = mysql.WithInstance(conn, &mysql.Config{})
	default:
		return fmt.Errorf("%w: %s", provisioningdomain.ErrUnsupportedDialect, dialect)
	}
	if err != nil {
		return fmt.Errorf("create tenant migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("create tenant migrator: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- migrator.Up() }()
	select {
	case <-ctx.Done():
		migrator.GracefulStop <- true
		<-done
		return ctx.Err()
	case upErr := <-done:
		if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
			return fmt.Errorf("apply tenant migrations: %w", upErr)
		}
	}
	return nil
}

// SeedDemo loads a small sample company. It is idempotent on the natural keys.
func (Migrator) SeedDemo(ctx context.Context, conn *sql.DB, dialect string) error {
	statements, ok := demoSeed[dialect]
	if !ok {
		return fmt.Errorf("%w: %s", provisioningdomain.ErrUnsupportedDialect, dialect)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("seed demo data: %w", err)
		}
	}
	return tx.Commit()
}
