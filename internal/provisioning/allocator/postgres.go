package allocator

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
)

type Postgres struct {
	exec Executor
}

func NewPostgres(exec Executor) *Postgres {
	return &Postgres{exec: exec}
}

func (p *Postgres) Dialect() string { return db.TypePostgres }

// Allocate is safe to re-run: an existing role gets its password reset and
// an existing database is kept.
func (p *Postgres) Allocate(ctx context.Context, req provisioningdomain.AllocateRequest) error {
	user := pq.QuoteIdentifier(req.Username)
	database := pq.QuoteIdentifier(req.DatabaseName)
	secret := pq.QuoteLiteral(req.Password)

	if _, err := p.exec.ExecContext(ctx, fmt.Sprintf("CREATE ROLE %s WITH LOGIN PASSWORD %s", user, secret)); err != nil {
		if !db.IsAlreadyExistsErr(err) {
			return fmt.Errorf("create role: %w", err)
		}
		if _, err := p.exec.ExecContext(ctx, fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s", user, secret)); err != nil {
			return fmt.Errorf("alter role: %w", err)
		}
	}

	if _, err := p.exec.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s ENCODING 'UTF8'", database, user)); err != nil {
		if !db.IsAlreadyExistsErr(err) {
			return fmt.Errorf("create database: %w", err)
		}
	}

	if _, err := p.exec.ExecContext(ctx, fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", database, user)); err != nil {
		return fmt.Errorf("grant privileges: %w", err)
	}
	return nil
}

func (p *Postgres) ManualScript(databaseName, username string) string {
	user := pq.QuoteIdentifier(username)
	database := pq.QuoteIdentifier(databaseName)
	var b strings.Builder
	fmt.Fprintf(&b, "-- PostgreSQL provisioning for %s\n", databaseName)
	fmt.Fprintf(&b, "CREATE ROLE %s WITH LOGIN PASSWORD '%s';\n", user, passwordPlaceholder)
	fmt.Fprintf(&b, "CREATE DATABASE %s OWNER %s ENCODING 'UTF8';\n", database, user)
	fmt.Fprintf(&b, "GRANT ALL PRIVILEGES ON DATABASE %s TO %s;\n", database, user)
	return b.String()
}
