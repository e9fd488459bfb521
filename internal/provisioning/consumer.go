package provisioning

import (
	"context"
	"errors"

	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/events"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 50

var errMissingTenant = errors.New("provisioning request without tenant_id")

// Consumer drains tenant.provisioning_requested events. Claimed events are
// marked published up front so a crash never provisions twice. A tenant whose
// event was claimed but never reached the provisioning service stays pending
// without a database row and is provisioned by RecoverPending.
type Consumer struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	svc   provisioningdomain.Service
}

type ConsumerParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Service provisioningdomain.Service
}

func NewConsumer(p ConsumerParam) *Consumer {
	return &Consumer{
		db:    p.DB,
		log:   p.Log.Named("provisioning.consumer"),
		clock: p.Clock,
		svc:   p.Service,
	}
}

// ProcessPending handles one batch and reports how many events it claimed.
func (c *Consumer) ProcessPending(ctx context.Context) (int, error) {
	rows, err := c.claim(ctx)
	if err != nil {
		return 0, err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return len(rows), err
		}
		cause := c.processEvent(ctx, row)
		if cause == nil {
			continue
		}
		c.log.Error("failed to provision tenant database",
			zap.String("event_id", row.ID),
			zap.String("tenant_id", row.AggregateID),
			zap.Error(cause),
		)
		if err := events.MarkProcessed(ctx, c.db, row.ID, row.Attempts+1, cause, c.clock); err != nil {
			return len(rows), err
		}
	}
	return len(rows), nil
}

func (c *Consumer) claim(ctx context.Context) ([]events.TenantEvent, error) {
	var rows []events.TenantEvent
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM tenant_events
			 WHERE event_type = ? AND published = ?
			 ORDER BY created_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			events.TypeTenantProvisioningRequested,
			false,
			batchSize,
		).Scan(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if err := events.MarkProcessed(ctx, tx, row.ID, row.Attempts+1, nil, c.clock); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Consumer) processEvent(ctx context.Context, row events.TenantEvent) error {
	if row.TenantID == nil || *row.TenantID == 0 {
		return errMissingTenant
	}
	result, err := c.svc.ProvisionAndMigrate(ctx, *row.TenantID)
	if err != nil {
		return err
	}
	c.log.Info("provisioning request handled",
		zap.String("event_id", row.ID),
		zap.String("tenant_id", row.TenantID.String()),
		zap.String("status", string(result.Status)),
		zap.Bool("existing", result.Existing),
	)
	return nil
}
