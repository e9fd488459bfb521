package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/entitlement"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/invoice"
	"github.com/smallbiznis/tenancy/internal/migration"
	"github.com/smallbiznis/tenancy/internal/observability"
	"github.com/smallbiznis/tenancy/internal/payment"
	"github.com/smallbiznis/tenancy/internal/plan"
	"github.com/smallbiznis/tenancy/internal/providers/pdf"
	"github.com/smallbiznis/tenancy/internal/provisioning"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"github.com/smallbiznis/tenancy/internal/server"
	"github.com/smallbiznis/tenancy/internal/subscription"
	"github.com/smallbiznis/tenancy/internal/tenant"
	"github.com/smallbiznis/tenancy/pkg/credential"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		credential.Module,
		migration.Module,

		ratelimit.Module,
		events.Module,
		authorization.Module,
		pdf.Module,

		tenant.Module,
		provisioning.Module,
		plan.Module,
		entitlement.Module,
		subscription.Module,
		payment.Module,
		invoice.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
