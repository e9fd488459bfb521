package service

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	tenancy *config.TenancyConfigHolder
	repo    entitlementdomain.Repository
	tenants tenantdomain.Repository
	cache   cache.RestrictionsCache
	metrics *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Tenancy *config.TenancyConfigHolder
	Repo    entitlementdomain.Repository
	Tenants tenantdomain.Repository
	Cache   cache.RestrictionsCache
	Metrics *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("entitlement.service"),
		clock:   p.Clock,
		tenancy: p.Tenancy,
		repo:    p.Repo,
		tenants: p.Tenants,
		cache:   p.Cache,
		metrics: p.Metrics,
	}
}

// GetAllowedModules resolves a plan's module set. A plan that never set its
// modules gets the core modules only.
func (s *Service) GetAllowedModules(plan *plandomain.Plan) ([]string, bool) {
	var modules plandomain.ModuleSet
	if plan != nil {
		modules = plan.Restrictions.Data().Modules
	}
	return s.allowedModules(modules)
}

func (s *Service) TenantModules(ctx context.Context, tenantID snowflake.ID) ([]string, bool, error) {
	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	names, unrestricted := s.allowedModules(resolved.Restrictions.Modules)
	return names, unrestricted, nil
}

func (s *Service) allowedModules(modules plandomain.ModuleSet) ([]string, bool) {
	if modules.IsUnrestricted() {
		return nil, true
	}

	seen := map[string]struct{}{}
	out := []string{}
	add := func(name string) {
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	for _, core := range s.tenancy.Get().CoreModules {
		add(core)
	}
	for _, name := range modules.Names() {
		add(name)
	}
	sort.Strings(out)
	return out, false
}

func (s *Service) IsModuleEnabled(ctx context.Context, tenantID snowflake.ID, module string) (bool, error) {
	module = strings.TrimSpace(module)
	if module == "" {
		return false, nil
	}
	for _, core := range s.tenancy.Get().CoreModules {
		if strings.EqualFold(core, module) {
			return true, nil
		}
	}

	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}
	modules := resolved.Restrictions.Modules
	if modules.IsUnrestricted() || modules.Contains(module) {
		return true, nil
	}
	s.metrics.RecordEntitlementDenial(ctx, "module", module)
	return false, nil
}

func (s *Service) CheckLimit(ctx context.Context, tenantID snowflake.ID, resource plandomain.Resource, increment int64) (entitlementdomain.LimitDecision, error) {
	decision := entitlementdomain.LimitDecision{Resource: resource, Increment: increment}
	if !resource.Valid() {
		return decision, entitlementdomain.ErrInvalidResource
	}
	if increment < 0 {
		return decision, entitlementdomain.ErrInvalidQuantity
	}

	resolved, err := s.resolve(ctx, tenantID)
	if err != nil {
		return decision, err
	}
	limit, _ := resolved.Restrictions.Cap(resource)
	decision.Cap = limit
	if limit == plandomain.Unlimited {
		decision.Allowed = true
		return decision, nil
	}

	usage, err := s.usage(ctx, tenantID, resource)
	if err != nil {
		return decision, err
	}
	decision.Usage = usage
	if usage+increment > int64(limit) {
		s.metrics.RecordEntitlementDenial(ctx, "limit", string(resource))
		s.log.Info("plan limit exceeded",
			zap.String("tenant_id", tenantID.String()),
			zap.String("resource", string(resource)),
			zap.Int64("usage", usage),
			zap.Int64("increment", increment),
			zap.Int("cap", limit),
		)
		return decision, entitlementdomain.ErrPlanLimitExceeded
	}
	decision.Allowed = true
	return decision, nil
}

func (s *Service) usage(ctx context.Context, tenantID snowflake.ID, resource plandomain.Resource) (int64, error) {
	if resource == plandomain.ResourceUsers {
		return s.tenants.CountUsers(ctx, s.db, tenantID)
	}
	return s.repo.Usage(ctx, s.db, tenantID, resource)
}

// RecordUsage stores the latest absolute quantity. Users are counted from the
// platform and cannot be reported.
func (s *Service) RecordUsage(ctx context.Context, tenantID snowflake.ID, resource plandomain.Resource, quantity int64) (*entitlementdomain.TenantUsage, error) {
	if !resource.Valid() || resource == plandomain.ResourceUsers {
		return nil, entitlementdomain.ErrInvalidResource
	}
	if quantity < 0 {
		return nil, entitlementdomain.ErrInvalidQuantity
	}
	usage := &entitlementdomain.TenantUsage{
		TenantID:  tenantID,
		Resource:  resource,
		Quantity:  quantity,
		UpdatedAt: s.clock.Now(),
	}
	if err := s.repo.UpsertUsage(ctx, s.db, usage); err != nil {
		return nil, err
	}
	return usage, nil
}

func (s *Service) Invalidate(tenantID snowflake.ID) {
	s.cache.Invalidate(tenantID)
}

func (s *Service) resolve(ctx context.Context, tenantID snowflake.ID) (cache.ResolvedPlan, error) {
	if resolved, ok := s.cache.Get(tenantID); ok {
		return resolved, nil
	}
	current, err := s.repo.FindCurrentPlan(ctx, s.db, tenantID)
	if err != nil {
		return cache.ResolvedPlan{}, err
	}
	if current == nil {
		return cache.ResolvedPlan{}, entitlementdomain.ErrNoActiveSubscription
	}
	resolved := cache.ResolvedPlan{
		PlanID:         current.Plan.ID,
		SubscriptionID: current.SubscriptionID,
		Restrictions:   current.Plan.Restrictions.Data(),
	}
	s.cache.Set(tenantID, resolved)
	return resolved, nil
}
