package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
)

const defaultRestrictionsTTL = 30 * time.Second

// ResolvedPlan is the slice of a tenant's current plan the entitlement
// checks need.
type ResolvedPlan struct {
	PlanID         snowflake.ID
	SubscriptionID snowflake.ID
	Restrictions   plandomain.Restrictions
}

// RestrictionsCache memoises the plan resolved for each tenant.
type RestrictionsCache interface {
	Get(tenantID snowflake.ID) (ResolvedPlan, bool)
	Set(tenantID snowflake.ID, plan ResolvedPlan)
	Invalidate(tenantID snowflake.ID)
	// Purge drops every tenant; a plan edit can change any of them.
	Purge()
}

type restrictionsCache struct {
	plans Cache[snowflake.ID, ResolvedPlan]
	ttl   time.Duration
}

func NewRestrictionsCache(c clock.Clock) RestrictionsCache {
	return &restrictionsCache{
		plans: NewTTLCacheWithClock[snowflake.ID, ResolvedPlan](c),
		ttl:   defaultRestrictionsTTL,
	}
}

func (c *restrictionsCache) Get(tenantID snowflake.ID) (ResolvedPlan, bool) {
	return c.plans.Get(tenantID)
}

func (c *restrictionsCache) Set(tenantID snowflake.ID, plan ResolvedPlan) {
	if tenantID == 0 || plan.PlanID == 0 {
		return
	}
	c.plans.Set(tenantID, plan, c.ttl)
}

func (c *restrictionsCache) Invalidate(tenantID snowflake.ID) {
	c.plans.Delete(tenantID)
}

func (c *restrictionsCache) Purge() {
	c.plans.Purge()
}
