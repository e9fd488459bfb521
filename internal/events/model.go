package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TypeTenantRegistered            = "tenant.registered"
	TypeTenantProvisioningRequested = "tenant.provisioning_requested"
	TypeProvisioningSucceeded       = "provisioning.succeeded"
	TypeProvisioningFailed          = "provisioning.failed"
	TypeSubscriptionStarted         = "subscription.started"
	TypeSubscriptionActivated       = "subscription.activated"
	TypeSubscriptionRenewed         = "subscription.renewed"
	TypeSubscriptionCancelScheduled = "subscription.cancel_scheduled"
	TypePaymentSubmitted            = "payment.submitted"
	TypePaymentApproved             = "payment.approved"
	TypePaymentRejected             = "payment.rejected"
	TypePaymentCancelled            = "payment.cancelled"
	TypePaymentCompleted            = "payment.completed"
	TypePaymentFailed               = "payment.failed"
	TypeInvoiceGenerated            = "invoice.generated"
)

const (
	AggregateTenant       = "tenant"
	AggregateDatabase     = "tenant_database"
	AggregateSubscription = "subscription"
	AggregatePayment      = "payment"
)

// TenantStatusType returns the event type for a tenant status change.
func TenantStatusType(status string) string {
	return "tenant." + status
}

// SubscriptionStatusType returns the event type for a subscription status change.
func SubscriptionStatusType(status string) string {
	return "subscription." + status
}

// TenantEvent is a row of the tenant_events outbox.
type TenantEvent struct {
	ID            string            `gorm:"primaryKey;type:varchar(26)"`
	EventType     string            `gorm:"type:varchar(64);not null;index"`
	AggregateType string            `gorm:"type:varchar(32);not null"`
	AggregateID   string            `gorm:"type:varchar(64);not null"`
	TenantID      *snowflake.ID     `gorm:"index"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null"`
	Published     bool              `gorm:"not null;index"`
	PublishedAt   *time.Time        `gorm:""`
	Attempts      int               `gorm:"not null"`
	LastError     *string           `gorm:"type:text"`
	ClaimedUntil  *time.Time        `gorm:""`
	CreatedAt     time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (TenantEvent) TableName() string { return "tenant_events" }

// Event is what domain services append to the outbox.
type Event struct {
	Type          string
	AggregateType string
	AggregateID   string
	TenantID      *snowflake.ID
	Payload       map[string]any
}

// Message is the delivery envelope handed to sinks.
type Message struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

func messageFromRow(row TenantEvent) Message {
	msg := Message{
		ID:            row.ID,
		Type:          row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       map[string]any(row.Payload),
		OccurredAt:    row.CreatedAt,
	}
	if row.TenantID != nil {
		msg.TenantID = row.TenantID.String()
	}
	return msg
}
