package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status   Status
	TenantID snowflake.ID
	AfterID  snowflake.ID
	Limit    int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	Update(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Payment, error)
	// Sum returns the count and total amount of payments in a status, optionally
	// restricted to approvals at or after since.
	Sum(ctx context.Context, db *gorm.DB, status Status, since *time.Time) (int64, decimal.Decimal, error)
}
