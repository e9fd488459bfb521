// Package domain contains the subscription lifecycle model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsCurrent reports whether the status counts towards the one-current-
// subscription-per-tenant rule.
func (s Status) IsCurrent() bool {
	return s == StatusTrial || s == StatusActive || s == StatusPastDue
}

// CurrentStatuses lists the statuses IsCurrent accepts.
var CurrentStatuses = []Status{StatusTrial, StatusActive, StatusPastDue}

// Subscription binds a tenant to a plan for a period of time.
type Subscription struct {
	ID                 snowflake.ID          `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID          `gorm:"not null;index;uniqueIndex:ux_subscriptions_current_tenant,where:status <> 'expired' AND status <> 'cancelled'" json:"tenant_id"`
	PlanID             snowflake.ID          `gorm:"not null;index" json:"plan_id"`
	Status             Status                `gorm:"type:varchar(16);not null;index" json:"status"`
	StartsAt           time.Time             `gorm:"not null" json:"starts_at"`
	EndsAt             *time.Time            `gorm:"index" json:"ends_at,omitempty"`
	TrialEndsAt        *time.Time            `json:"trial_ends_at,omitempty"`
	CancelledAt        *time.Time            `json:"cancelled_at,omitempty"`
	CancellationReason *string               `gorm:"type:text" json:"cancellation_reason,omitempty"`
	CancelAtPeriodEnd  bool                  `gorm:"not null" json:"cancel_at_period_end"`
	PaymentMethod      *paymentdomain.Method `gorm:"type:varchar(32)" json:"payment_method,omitempty"`
	Amount             decimal.Decimal       `gorm:"type:numeric(20,4);not null" json:"amount"`
	Currency           string                `gorm:"type:varchar(3);not null" json:"currency"`
	Metadata           datatypes.JSONMap     `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time             `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time             `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// MetadataAwaitingPayment flags a manual subscription no payment has activated.
const MetadataAwaitingPayment = "awaiting_payment"

// AwaitingPayment reports whether the subscription is a manual one still
// waiting for its first approved payment. It grants no entitlements.
func (s *Subscription) AwaitingPayment() bool {
	flag, _ := s.Metadata[MetadataAwaitingPayment].(bool)
	return flag
}

// SweepResult counts what one lifecycle sweep did.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	PastDue   int `json:"past_due"`
	Cancelled int `json:"cancelled"`
	Suspended int `json:"suspended"`
	Failed    int `json:"failed"`
}

// Processed is the number of subscriptions that changed status.
func (r SweepResult) Processed() int {
	return r.Expired + r.PastDue + r.Cancelled
}
