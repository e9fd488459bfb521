package provisioning

import (
	"context"
	"time"

	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/provisioning/allocator"
	"github.com/smallbiznis/tenancy/internal/provisioning/repository"
	"github.com/smallbiznis/tenancy/internal/provisioning/service"
	"github.com/smallbiznis/tenancy/internal/provisioning/tenantschema"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("provisioning.service",
	fx.Provide(repository.Provide),
	fx.Provide(allocator.New),
	fx.Provide(tenantschema.New),
	fx.Provide(service.NewConnector),
	fx.Provide(service.NewService),
	fx.Provide(service.NewTenantProvisioner),
)

// ConsumerModule runs the queued provisioning loop. Only the worker includes it.
var ConsumerModule = fx.Module("provisioning.consumer",
	fx.Provide(NewConsumer),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, cfg config.Config, consumer *Consumer) {
	interval := cfg.Provisioning.ConsumerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					claimed, err := consumer.ProcessPending(ctx)
					if err != nil && ctx.Err() == nil {
						consumer.log.Error("provisioning poll failed", zap.Error(err))
					}
					// A full batch means there is likely more waiting.
					if claimed >= batchSize && ctx.Err() == nil {
						continue
					}
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
