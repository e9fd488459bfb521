package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/tenancy/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDispatchBatch = 50
	defaultMaxAttempts   = 5
	maxErrorLength       = 1000
	dispatchLease        = 5 * time.Minute
)

type DispatchResult struct {
	Claimed   int
	Delivered int
	Failed    int
}

// Dispatcher fans unpublished outbox rows out to the configured sinks.
// Provisioning requests are excluded; the provisioning consumer owns them.
type Dispatcher struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	sinks       []Sink
	maxAttempts int
}

type DispatcherParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Sinks []Sink
}

func NewDispatcher(p DispatcherParam) *Dispatcher {
	return &Dispatcher{
		db:          p.DB,
		log:         p.Log.Named("events.dispatcher"),
		clock:       p.Clock,
		sinks:       p.Sinks,
		maxAttempts: defaultMaxAttempts,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	if limit <= 0 {
		limit = defaultDispatchBatch
	}

	var result DispatchResult
	rows, err := d.claim(ctx, limit)
	if err != nil {
		return result, err
	}
	result.Claimed = len(rows)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deliverErr := d.deliver(ctx, messageFromRow(row))
		if deliverErr == nil {
			result.Delivered++
			if err := d.markPublished(ctx, d.db, row.ID); err != nil {
				d.log.Error("failed to mark event published",
					zap.String("event_id", row.ID),
					zap.Error(err),
				)
			}
			continue
		}

		result.Failed++
		attempts := row.Attempts + 1
		giveUp := attempts >= d.maxAttempts
		d.log.Warn("event delivery failed",
			zap.String("event_id", row.ID),
			zap.String("event_type", row.EventType),
			zap.Int("attempts", attempts),
			zap.Bool("giving_up", giveUp),
			zap.Error(deliverErr),
		)
		if err := d.markFailed(ctx, d.db, row.ID, attempts, deliverErr, giveUp); err != nil {
			d.log.Error("failed to record event delivery failure",
				zap.String("event_id", row.ID),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

// claim leases a batch in a short transaction. Delivery happens outside it;
// a lease left by a crashed dispatcher expires after dispatchLease.
func (d *Dispatcher) claim(ctx context.Context, limit int) ([]TenantEvent, error) {
	var rows []TenantEvent
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := d.clock.Now()
		if err := tx.Raw(
			`SELECT * FROM tenant_events
			 WHERE published = ? AND event_type <> ?
			 AND (claimed_until IS NULL OR claimed_until < ?)
			 ORDER BY created_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			false,
			TypeTenantProvisioningRequested,
			now,
			limit,
		).Scan(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		return tx.Model(&TenantEvent{}).
			Where("id IN ?", ids).
			Update("claimed_until", now.Add(dispatchLease)).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) markPublished(ctx context.Context, tx *gorm.DB, id string) error {
	now := d.clock.Now()
	return tx.WithContext(ctx).Model(&TenantEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"published":     true,
			"published_at":  now,
			"claimed_until": nil,
		}).Error
}

func (d *Dispatcher) markFailed(ctx context.Context, tx *gorm.DB, id string, attempts int, cause error, giveUp bool) error {
	updates := map[string]any{
		"attempts":      attempts,
		"last_error":    truncateError(cause),
		"claimed_until": nil,
	}
	if giveUp {
		updates["published"] = true
		updates["published_at"] = d.clock.Now()
	}
	return tx.WithContext(ctx).Model(&TenantEvent{}).Where("id = ?", id).Updates(updates).Error
}

// MarkProcessed records the outcome of a consumer-handled event. The event
// is always marked published; a non-nil cause is kept in last_error.
func MarkProcessed(ctx context.Context, tx *gorm.DB, id string, attempts int, cause error, c clock.Clock) error {
	updates := map[string]any{
		"published":    true,
		"published_at": c.Now(),
		"attempts":     attempts,
	}
	if cause != nil {
		updates["last_error"] = truncateError(cause)
	}
	return tx.WithContext(ctx).Model(&TenantEvent{}).Where("id = ?", id).Updates(updates).Error
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}
