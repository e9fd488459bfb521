package db

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// DSN renders the driver connection string. It contains the password and must never be logged.
func DSN(cfg Config) (string, error) {
	switch cfg.Type {
	case TypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&multiStatements=true",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Name,
		), nil
	case TypePostgres:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			sslMode,
		), nil
	case TypeSQLite:
		if cfg.Name == "" {
			return "tenancy.db", nil
		}
		return cfg.Name, nil
	default:
		return "", fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

func Dialect(cfg Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeMySQL:
		return mysql.Open(dsn), nil
	case TypePostgres:
		return postgres.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}
