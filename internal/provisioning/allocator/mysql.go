package allocator

import (
	"context"
	"fmt"
	"strings"

	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
)

type MySQL struct {
	exec Executor
}

func NewMySQL(exec Executor) *MySQL {
	return &MySQL{exec: exec}
}

func (m *MySQL) Dialect() string { return db.TypeMySQL }

func (m *MySQL) Allocate(ctx context.Context, req provisioningdomain.AllocateRequest) error {
	database := quoteMySQLIdentifier(req.DatabaseName)
	user := quoteMySQLLiteral(req.Username) + "@'%'"
	secret := quoteMySQLLiteral(req.Password)

	statements := []struct {
		step  string
		query string
	}{
		{"create database", fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database)},
		{"create user", fmt.Sprintf("CREATE USER IF NOT EXISTS %s IDENTIFIED BY %s", user, secret)},
		{"alter user", fmt.Sprintf("ALTER USER %s IDENTIFIED BY %s", user, secret)},
		{"grant privileges", fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO %s", database, user)},
		{"flush privileges", "FLUSH PRIVILEGES"},
	}
	for _, stmt := range statements {
		if _, err := m.exec.ExecContext(ctx, stmt.query); err != nil {
			return fmt.Errorf("%s: %w", stmt.step, err)
		}
	}
	return nil
}

func (m *MySQL) ManualScript(databaseName, username string) string {
	database := quoteMySQLIdentifier(databaseName)
	user := quoteMySQLLiteral(username) + "@'%'"
	var b strings.Builder
	fmt.Fprintf(&b, "-- MySQL provisioning for %s\n", databaseName)
	fmt.Fprintf(&b, "CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci;\n", database)
	fmt.Fprintf(&b, "CREATE USER IF NOT EXISTS %s IDENTIFIED BY '%s';\n", user, passwordPlaceholder)
	fmt.Fprintf(&b, "GRANT ALL PRIVILEGES ON %s.* TO %s;\n", database, user)
	b.WriteString("FLUSH PRIVILEGES;\n")
	return b.String()
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteMySQLLiteral(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, "'", "''")
	return "'" + value + "'"
}
