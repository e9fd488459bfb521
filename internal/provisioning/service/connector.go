package service

import (
	"context"
	"database/sql"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/config"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/credential"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Opener turns a connection config into a live handle.
type Opener func(cfg db.Config) (*sql.DB, error)

type connector struct {
	db     *gorm.DB
	repo   provisioningdomain.Repository
	cipher *credential.Cipher
	cfg    config.Config
	open   Opener
}

type ConnectorParam struct {
	fx.In

	DB     *gorm.DB
	Repo   provisioningdomain.Repository
	Cipher *credential.Cipher
	Config config.Config
	Opener Opener `optional:"true"`
}

func NewConnector(p ConnectorParam) provisioningdomain.Connector {
	open := p.Opener
	if open == nil {
		open = openTenantDB
	}
	return &connector{
		db:     p.DB,
		repo:   p.Repo,
		cipher: p.Cipher,
		cfg:    p.Config,
		open:   open,
	}
}

// ConnectionConfig carries the revealed password. Never log it.
func (c *connector) ConnectionConfig(ctx context.Context, tenantID snowflake.ID) (db.Config, error) {
	row, err := c.repo.FindByTenantID(ctx, c.db, tenantID)
	if err != nil {
		return db.Config{}, err
	}
	if row == nil {
		return db.Config{}, provisioningdomain.ErrDatabaseNotFound
	}
	if row.ProvisioningStatus != tenantdomain.ProvisioningProvisioned && row.ProvisioningStatus != tenantdomain.ProvisioningManual {
		return db.Config{}, provisioningdomain.ErrNotProvisioned
	}

	password, err := row.EncryptedPassword.Reveal(c.cipher)
	if err != nil {
		return db.Config{}, err
	}
	return db.Config{
		Type:        row.Dialect,
		Host:        row.Host,
		Port:        row.Port,
		Name:        row.DatabaseName,
		User:        row.Username,
		Password:    password,
		SSLMode:     c.cfg.Provisioning.TenantDBSSLMode,
		MaxIdleConn: 1,
		MaxOpenConn: 2,

		SlowQueryThreshold: c.cfg.DBSlowQueryThreshold,
	}, nil
}

func (c *connector) Open(ctx context.Context, tenantID snowflake.ID) (*sql.DB, string, error) {
	cfg, err := c.ConnectionConfig(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	conn, err := c.open(cfg)
	if err != nil {
		return nil, "", err
	}
	return conn, cfg.Type, nil
}

func openTenantDB(cfg db.Config) (*sql.DB, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	return conn.DB()
}
