package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/db/option"
	"github.com/smallbiznis/tenancy/pkg/repository"
	"github.com/smallbiznis/tenancy/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	tenancy *config.TenancyConfigHolder
	plans   repository.Repository[plandomain.Plan]
	cache   cache.RestrictionsCache
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Tenancy *config.TenancyConfigHolder
	Cache   cache.RestrictionsCache `optional:"true"`
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("plan.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		tenancy: p.Tenancy,
		plans:   repository.ProvideStore[plandomain.Plan](p.DB),
		cache:   p.Cache,
	}
}

func (s *Service) Create(ctx context.Context, req plandomain.CreateRequest) (*plandomain.Plan, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	planSlug := strings.TrimSpace(req.Slug)
	if planSlug == "" {
		planSlug = req.Name
	}
	planSlug = slug.Make(planSlug)

	var errs validation.Errors
	if req.Name == "" {
		errs.Add("name", validation.CodeRequired, "name is required")
	}
	if planSlug == "" {
		errs.Add("slug", validation.CodeRequired, "slug is required")
	}
	s.validateCommon(&errs, req.Price.IsNegative(), req.Currency, req.BillingPeriod, req.TrialDays, req.Restrictions)
	if planSlug != "" && !errs.Has("slug") {
		existing, err := s.plans.FindOne(ctx, &plandomain.Plan{Slug: planSlug})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			errs.Add("slug", validation.CodeTaken, "slug is already taken")
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	plan := &plandomain.Plan{
		ID:            s.genID.Generate(),
		Name:          req.Name,
		Slug:          planSlug,
		Description:   strings.TrimSpace(req.Description),
		Price:         req.Price,
		Currency:      req.Currency,
		BillingPeriod: req.BillingPeriod,
		TrialDays:     req.TrialDays,
		IsActive:      active,
		IsFeatured:    req.IsFeatured,
		SortOrder:     req.SortOrder,
		Restrictions:  datatypes.NewJSONType(req.Restrictions),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, validation.Single("slug", validation.CodeTaken, "slug is already taken")
		}
		return nil, err
	}

	s.log.Info("plan created", zap.String("plan_id", plan.ID.String()), zap.String("slug", plan.Slug))
	return plan, nil
}

func (s *Service) Update(ctx context.Context, id string, req plandomain.UpdateRequest) (*plandomain.Plan, error) {
	planID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var updated *plandomain.Plan
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plans := s.plans.WithTrx(tx)
		plan, err := plans.FindOne(ctx, &plandomain.Plan{ID: planID}, option.WithForUpdate())
		if err != nil {
			return err
		}
		if plan == nil {
			return plandomain.ErrPlanNotFound
		}

		if req.Name != nil {
			plan.Name = strings.TrimSpace(*req.Name)
		}
		if req.Description != nil {
			plan.Description = strings.TrimSpace(*req.Description)
		}
		if req.Price != nil {
			plan.Price = *req.Price
		}
		if req.Currency != nil {
			plan.Currency = strings.ToUpper(strings.TrimSpace(*req.Currency))
		}
		if req.BillingPeriod != nil {
			plan.BillingPeriod = *req.BillingPeriod
		}
		if req.TrialDays != nil {
			plan.TrialDays = *req.TrialDays
		}
		if req.IsActive != nil {
			plan.IsActive = *req.IsActive
		}
		if req.IsFeatured != nil {
			plan.IsFeatured = *req.IsFeatured
		}
		if req.SortOrder != nil {
			plan.SortOrder = *req.SortOrder
		}
		if req.Restrictions != nil {
			plan.Restrictions = datatypes.NewJSONType(*req.Restrictions)
		}

		var errs validation.Errors
		if plan.Name == "" {
			errs.Add("name", validation.CodeRequired, "name is required")
		}
		s.validateCommon(&errs, plan.Price.IsNegative(), plan.Currency, plan.BillingPeriod, plan.TrialDays, plan.Restrictions.Data())
		if err := errs.Err(); err != nil {
			return err
		}

		plan.UpdatedAt = s.clock.Now()
		if err := plans.Save(ctx, plan); err != nil {
			return err
		}
		updated = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return updated, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*plandomain.Plan, error) {
	planID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	plan, err := s.plans.FindOne(ctx, &plandomain.Plan{ID: planID})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) GetBySlug(ctx context.Context, planSlug string) (*plandomain.Plan, error) {
	planSlug = strings.ToLower(strings.TrimSpace(planSlug))
	if planSlug == "" {
		return nil, plandomain.ErrPlanNotFound
	}
	plan, err := s.plans.FindOne(ctx, &plandomain.Plan{Slug: planSlug})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

// List orders by sort_order then price so the public catalog is stable.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]plandomain.Plan, error) {
	opts := []option.QueryOption{}
	if activeOnly {
		opts = append(opts, option.WithWhere("is_active = ?", true))
	}
	rows, err := s.plans.Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}

	plans := make([]plandomain.Plan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, *row)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].SortOrder != plans[j].SortOrder {
			return plans[i].SortOrder < plans[j].SortOrder
		}
		return plans[i].Price.LessThan(plans[j].Price)
	})
	return plans, nil
}

func (s *Service) validateCommon(errs *validation.Errors, negativePrice bool, currency string, period plandomain.BillingPeriod, trialDays int, r plandomain.Restrictions) {
	if negativePrice {
		errs.Add("price", validation.CodeInvalid, "price cannot be negative")
	}
	if !currencyPattern.MatchString(currency) {
		errs.Add("currency", validation.CodeInvalid, "currency must be a 3-letter ISO code")
	}
	if !period.Valid() {
		errs.Add("billing_period", validation.CodeInvalid, "billing_period must be monthly, yearly or lifetime")
	}
	if trialDays < 0 {
		errs.Add("trial_days", validation.CodeInvalid, "trial_days cannot be negative")
	}

	limits := []struct {
		name  string
		value int
	}{
		{"max_users", r.MaxUsers},
		{"max_employees", r.MaxEmployees},
		{"max_storage_gb", r.MaxStorageGB},
	}
	for _, limit := range limits {
		if limit.value != plandomain.Unlimited && limit.value <= 0 {
			errs.Add("restrictions."+limit.name, validation.CodeInvalid, limit.name+" must be a positive integer or -1")
		}
	}

	if !r.Modules.IsSet() {
		errs.Add("restrictions.modules", validation.CodeRequired, "modules must be [] for all modules or an explicit list")
		return
	}
	if r.Modules.IsUnrestricted() {
		return
	}
	for _, core := range s.tenancy.Get().CoreModules {
		if r.Modules.Contains(core) {
			errs.Add("restrictions.modules", validation.CodeInvalid, fmt.Sprintf("%s is a core module and is always enabled", core))
			return
		}
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, plandomain.ErrInvalidPlanID
	}
	return id, nil
}
