package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type defaultPlan struct {
	name         string
	slug         string
	description  string
	price        string
	trialDays    int
	featured     bool
	restrictions plandomain.Restrictions
}

var defaultPlans = []defaultPlan{
	{
		name:        "Starter",
		slug:        "starter",
		description: "Core modules plus payroll and calendar for small teams.",
		price:       "29.00",
		trialDays:   14,
		restrictions: plandomain.Restrictions{
			MaxUsers:     5,
			MaxEmployees: 25,
			MaxStorageGB: 5,
			Modules:      plandomain.ExplicitModules("Payroll", "Calendar"),
		},
	},
	{
		name:        "Professional",
		slug:        "professional",
		description: "Growing companies with recruitment and inventory.",
		price:       "99.00",
		trialDays:   14,
		featured:    true,
		restrictions: plandomain.Restrictions{
			MaxUsers:     25,
			MaxEmployees: 250,
			MaxStorageGB: 50,
			Modules:      plandomain.ExplicitModules("Payroll", "Calendar", "Recruitment", "Inventory", "Projects"),
		},
	},
	{
		name:        "Enterprise",
		slug:        "enterprise",
		description: "Every module with no usage caps.",
		price:       "299.00",
		restrictions: plandomain.Restrictions{
			MaxUsers:     plandomain.Unlimited,
			MaxEmployees: plandomain.Unlimited,
			MaxStorageGB: plandomain.Unlimited,
			Modules:      plandomain.UnrestrictedModules(),
		},
	},
}

// EnsurePlans inserts the default catalog. Existing slugs are left untouched
// so admin edits survive restarts.
func EnsurePlans(ctx context.Context, db *gorm.DB, node *snowflake.Node) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if node == nil {
		var err error
		node, err = snowflake.NewNode(1)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, def := range defaultPlans {
			plan := plandomain.Plan{
				ID:            node.Generate(),
				Name:          def.name,
				Slug:          def.slug,
				Description:   def.description,
				Price:         decimal.RequireFromString(def.price),
				Currency:      "USD",
				BillingPeriod: plandomain.BillingPeriodMonthly,
				TrialDays:     def.trialDays,
				IsActive:      true,
				IsFeatured:    def.featured,
				SortOrder:     i + 1,
				Restrictions:  datatypes.NewJSONType(def.restrictions),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "slug"}},
				DoNothing: true,
			}).Create(&plan).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
