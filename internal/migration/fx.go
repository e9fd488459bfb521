package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node) error {
		if err := Migrate(conn, cfg.DBType); err != nil {
			return err
		}
		return seed.EnsurePlans(context.Background(), conn, node)
	}),
)
