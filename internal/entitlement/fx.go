package entitlement

import (
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/entitlement/repository"
	"github.com/smallbiznis/tenancy/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(cache.NewRestrictionsCache),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
