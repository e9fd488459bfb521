package events

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/tenancy/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrMissingTransaction = errors.New("outbox_requires_transaction")
	ErrInvalidEvent       = errors.New("invalid_event")
)

// Outbox writes events in the caller's transaction so they commit or roll
// back together with the state change they describe.
type Outbox struct {
	clock clock.Clock
}

func NewOutbox(c clock.Clock) *Outbox {
	return &Outbox{clock: c}
}

func (o *Outbox) Append(ctx context.Context, tx *gorm.DB, evt Event) error {
	if tx == nil {
		return ErrMissingTransaction
	}
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.Type == "" || strings.TrimSpace(evt.AggregateType) == "" || strings.TrimSpace(evt.AggregateID) == "" {
		return ErrInvalidEvent
	}

	payload := datatypes.JSONMap{}
	for k, v := range evt.Payload {
		payload[k] = v
	}

	now := o.clock.Now()
	row := TenantEvent{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		EventType:     evt.Type,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		TenantID:      evt.TenantID,
		Payload:       payload,
		CreatedAt:     now,
	}
	return tx.WithContext(ctx).Create(&row).Error
}
