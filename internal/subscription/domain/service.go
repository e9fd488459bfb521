package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"gorm.io/gorm"
)

type Service interface {
	StartTrial(ctx context.Context, tenantID string, planID string) (*Subscription, error)
	// CreateManual opens a subscription that waits for a payment to activate it.
	CreateManual(ctx context.Context, tenantID string, planID string, method paymentdomain.Method) (*Subscription, error)
	Activate(ctx context.Context, subscriptionID string, paymentID string) (*Subscription, error)
	Cancel(ctx context.Context, subscriptionID string, reason string, atPeriodEnd bool) (*Subscription, error)
	Sweep(ctx context.Context, limit int) (SweepResult, error)

	GetByID(ctx context.Context, id string) (*Subscription, error)
	GetCurrent(ctx context.Context, tenantID string) (*Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]Subscription, error)

	LockTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	ActivateTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, payment *paymentdomain.Payment) (*Subscription, error)
	RenewTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, payment *paymentdomain.Payment) (*Subscription, error)
	CreateAndActivateTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, planID snowflake.ID, payment *paymentdomain.Payment) (*Subscription, error)
	// Invalidate drops cached entitlements after a Tx method's transaction commits.
	Invalidate(tenantID snowflake.ID)
}

var (
	ErrSubscriptionNotFound      = errors.New("subscription_not_found")
	ErrInvalidSubscriptionID     = errors.New("invalid_subscription_id")
	ErrInvalidStateTransition    = errors.New("invalid_state_transition")
	ErrTrialAlreadyUsed          = errors.New("trial_already_used")
	ErrTrialNotOffered           = errors.New("trial_not_offered")
	ErrCurrentSubscriptionExists = errors.New("current_subscription_exists")
	ErrPaymentRequired           = errors.New("approved_payment_required")
	ErrPaymentTenantMismatch     = errors.New("payment_tenant_mismatch")
	ErrPlanNotFound              = errors.New("plan_not_found")
	ErrInvalidPaymentMethod      = errors.New("invalid_payment_method")
)
