// Package allocator issues CREATE DATABASE / CREATE USER / GRANT statements
// on an administrative connection.
package allocator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/smallbiznis/tenancy/internal/config"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
)

const passwordPlaceholder = "<password from secret store>"

// Executor is the subset of *sql.DB the allocators need.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New opens the admin connection for the configured dialect. sql.Open does
// not dial, so a missing admin server only surfaces on first use.
func New(lc fx.Lifecycle, cfg config.Config) (provisioningdomain.Allocator, error) {
	p := cfg.Provisioning
	dialect := strings.ToLower(strings.TrimSpace(p.AdminDBType))

	var (
		conn *sql.DB
		err  error
	)
	switch dialect {
	case db.TypePostgres:
		dsn, dsnErr := db.DSN(db.Config{
			Type:     db.TypePostgres,
			Host:     p.AdminDBHost,
			Port:     p.AdminDBPort,
			Name:     p.AdminDBName,
			User:     p.AdminDBUser,
			Password: p.AdminDBPassword,
			SSLMode:  p.AdminDBSSLMode,
		})
		if dsnErr != nil {
			return nil, dsnErr
		}
		conn, err = sql.Open("postgres", dsn)
	case db.TypeMySQL:
		mc := mysql.NewConfig()
		mc.Net = "tcp"
		mc.Addr = p.AdminDBHost + ":" + p.AdminDBPort
		mc.User = p.AdminDBUser
		mc.Passwd = p.AdminDBPassword
		mc.DBName = p.AdminDBName
		conn, err = sql.Open("mysql", mc.FormatDSN())
	default:
		return nil, fmt.Errorf("%w: %s", provisioningdomain.ErrUnsupportedDialect, p.AdminDBType)
	}
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(2)
	conn.SetConnMaxIdleTime(time.Minute)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return conn.Close()
			},
		})
	}

	if dialect == db.TypeMySQL {
		return NewMySQL(conn), nil
	}
	return NewPostgres(conn), nil
}
