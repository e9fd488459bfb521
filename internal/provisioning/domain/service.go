package domain

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/pkg/db"
)

type Service interface {
	Provision(ctx context.Context, tenantID snowflake.ID) (*Result, error)
	ProvisionAndMigrate(ctx context.Context, tenantID snowflake.ID) (*Result, error)
	MigrateAndSeed(ctx context.Context, tenantID snowflake.ID, seedDemo bool) error
	Verify(ctx context.Context, tenantID snowflake.ID) (bool, error)
	Retry(ctx context.Context, tenantID snowflake.ID) (*Result, error)
	Get(ctx context.Context, tenantID snowflake.ID) (*TenantDatabase, error)

	SweepStuck(ctx context.Context, olderThan time.Duration) (int, error)
	RecoverPending(ctx context.Context, olderThan time.Duration, limit int) (BatchResult, error)
	RetryFailed(ctx context.Context, limit int) (BatchResult, error)
	VerifyProvisioned(ctx context.Context, limit int) (BatchResult, error)
}

type AllocateRequest struct {
	DatabaseName string
	Username     string
	Password     string
}

// Allocator creates a database and its owning login on the database server.
type Allocator interface {
	Dialect() string
	Allocate(ctx context.Context, req AllocateRequest) error
	// ManualScript renders the statements an operator runs by hand. The
	// password is a placeholder.
	ManualScript(databaseName, username string) string
}

// Connector opens tenant databases. It is the only place a sealed password
// is revealed.
type Connector interface {
	ConnectionConfig(ctx context.Context, tenantID snowflake.ID) (db.Config, error)
	Open(ctx context.Context, tenantID snowflake.ID) (*sql.DB, string, error)
}

// SchemaMigrator applies the tenant schema and optional demo data.
type SchemaMigrator interface {
	Migrate(ctx context.Context, conn *sql.DB, dialect string) error
	SeedDemo(ctx context.Context, conn *sql.DB, dialect string) error
}

var (
	ErrProvisioningFailure  = errors.New("provisioning_failure")
	ErrDatabaseNotFound     = errors.New("tenant_database_not_found")
	ErrNotProvisioned       = errors.New("tenant_database_not_provisioned")
	ErrDemoSeedForbidden    = errors.New("demo_seed_forbidden")
	ErrRetryNotAllowed      = errors.New("provisioning_retry_not_allowed")
	ErrProvisioningInFlight = errors.New("provisioning_in_flight")
	ErrUnsupportedDialect   = errors.New("unsupported_database_dialect")
)
