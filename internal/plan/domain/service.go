package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type CreateRequest struct {
	Name          string          `json:"name"`
	Slug          string          `json:"slug"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	BillingPeriod BillingPeriod   `json:"billing_period"`
	TrialDays     int             `json:"trial_days"`
	IsActive      *bool           `json:"is_active"`
	IsFeatured    bool            `json:"is_featured"`
	SortOrder     int             `json:"sort_order"`
	Restrictions  Restrictions    `json:"restrictions"`
}

// UpdateRequest patches a plan; nil fields are left unchanged.
type UpdateRequest struct {
	Name          *string          `json:"name"`
	Description   *string          `json:"description"`
	Price         *decimal.Decimal `json:"price"`
	Currency      *string          `json:"currency"`
	BillingPeriod *BillingPeriod   `json:"billing_period"`
	TrialDays     *int             `json:"trial_days"`
	IsActive      *bool            `json:"is_active"`
	IsFeatured    *bool            `json:"is_featured"`
	SortOrder     *int             `json:"sort_order"`
	Restrictions  *Restrictions    `json:"restrictions"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Plan, error)
	Update(ctx context.Context, id string, req UpdateRequest) (*Plan, error)
	GetByID(ctx context.Context, id string) (*Plan, error)
	GetBySlug(ctx context.Context, slug string) (*Plan, error)
	List(ctx context.Context, activeOnly bool) ([]Plan, error)
}

var (
	ErrPlanNotFound  = errors.New("plan_not_found")
	ErrInvalidPlanID = errors.New("invalid_plan_id")
	ErrPlanInactive  = errors.New("plan_inactive")
)
