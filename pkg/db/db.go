package db

import (
	"context"
	"time"

	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

// New opens the platform database and registers tracing and pool metrics.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dbCfg := FromAppConfig(cfg)
	conn, err := Open(dbCfg)
	if err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(dbCfg.Name))); err != nil {
		return nil, err
	}
	if dbCfg.Type != TypeSQLite {
		if err := conn.Use(gormprometheus.New(gormprometheus.Config{
			DBName:          dbCfg.Name,
			RefreshInterval: 15,
			StartServer:     false,
		})); err != nil {
			return nil, err
		}
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})

	log.Info("database connected",
		zap.String("type", dbCfg.Type),
		zap.String("host", dbCfg.Host),
		zap.String("name", dbCfg.Name),
	)
	return conn, nil
}

// Open connects with the zap backed gorm logger and applies pool settings.
// It is also used for short-lived tenant and admin connections.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(logger.GormLoggerConfig{
			Level:                gormlogger.Warn,
			SlowThreshold:        cfg.SlowQueryThreshold,
			IgnoreRecordNotFound: true,
		}),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)
	}
	return conn, nil
}
