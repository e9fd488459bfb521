package invoice

import (
	"github.com/smallbiznis/tenancy/internal/invoice/repository"
	"github.com/smallbiznis/tenancy/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
