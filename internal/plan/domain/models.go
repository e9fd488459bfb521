// Package domain contains the plan catalog model and its restriction set.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BillingPeriod string

const (
	BillingPeriodMonthly  BillingPeriod = "monthly"
	BillingPeriodYearly   BillingPeriod = "yearly"
	BillingPeriodLifetime BillingPeriod = "lifetime"
)

func (p BillingPeriod) Valid() bool {
	switch p {
	case BillingPeriodMonthly, BillingPeriodYearly, BillingPeriodLifetime:
		return true
	default:
		return false
	}
}

// PeriodEnd returns the end of one billing period starting at start, or nil
// for lifetime plans which never expire.
func (p BillingPeriod) PeriodEnd(start time.Time) *time.Time {
	var end time.Time
	switch p {
	case BillingPeriodMonthly:
		end = start.AddDate(0, 1, 0)
	case BillingPeriodYearly:
		end = start.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &end
}

// Unlimited is the restriction value that always passes.
const Unlimited = -1

type Resource string

const (
	ResourceUsers     Resource = "users"
	ResourceEmployees Resource = "employees"
	ResourceStorageGB Resource = "storage_gb"
)

func (r Resource) Valid() bool {
	switch r {
	case ResourceUsers, ResourceEmployees, ResourceStorageGB:
		return true
	default:
		return false
	}
}

type Restrictions struct {
	MaxUsers     int       `json:"max_users"`
	MaxEmployees int       `json:"max_employees"`
	MaxStorageGB int       `json:"max_storage_gb"`
	Modules      ModuleSet `json:"modules"`
}

// Cap returns the configured limit for a resource.
func (r Restrictions) Cap(resource Resource) (int, bool) {
	switch resource {
	case ResourceUsers:
		return r.MaxUsers, true
	case ResourceEmployees:
		return r.MaxEmployees, true
	case ResourceStorageGB:
		return r.MaxStorageGB, true
	default:
		return 0, false
	}
}

type Plan struct {
	ID            snowflake.ID                     `gorm:"primaryKey" json:"id"`
	Name          string                           `gorm:"type:text;not null" json:"name"`
	Slug          string                           `gorm:"type:text;not null;uniqueIndex" json:"slug"`
	Description   string                           `gorm:"type:text" json:"description,omitempty"`
	Price         decimal.Decimal                  `gorm:"type:numeric(20,4);not null" json:"price"`
	Currency      string                           `gorm:"type:text;not null" json:"currency"`
	BillingPeriod BillingPeriod                    `gorm:"type:text;not null" json:"billing_period"`
	TrialDays     int                              `gorm:"not null;default:0" json:"trial_days"`
	IsActive      bool                             `gorm:"not null" json:"is_active"`
	IsFeatured    bool                             `gorm:"not null;default:false" json:"is_featured"`
	SortOrder     int                              `gorm:"not null;default:0" json:"sort_order"`
	Restrictions  datatypes.JSONType[Restrictions] `gorm:"type:jsonb" json:"restrictions"`
	CreatedAt     time.Time                        `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time                        `gorm:"not null" json:"updated_at"`
	DeletedAt     gorm.DeletedAt                   `gorm:"index" json:"-"`
}

func (Plan) TableName() string { return "plans" }
