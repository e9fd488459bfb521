package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/observability"
	"github.com/smallbiznis/tenancy/internal/provisioning"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"github.com/smallbiznis/tenancy/internal/tenant"
	"github.com/smallbiznis/tenancy/pkg/credential"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
)

// The worker drains tenant.registered events and provisions databases when
// PROVISIONING_ASYNC is on.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		credential.Module,

		ratelimit.Module,
		events.Module,
		tenant.Module,
		provisioning.Module,
		provisioning.ConsumerModule,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
