package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
)

// publicPlan is the catalog entry shown before sign-up. Unrestricted module
// access is reported as null rather than the stored empty list.
type publicPlan struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	Slug          string                   `json:"slug"`
	Description   string                   `json:"description,omitempty"`
	Price         decimal.Decimal          `json:"price"`
	Currency      string                   `json:"currency"`
	BillingPeriod plandomain.BillingPeriod `json:"billing_period"`
	TrialDays     int                      `json:"trial_days"`
	IsFeatured    bool                     `json:"is_featured"`
	MaxUsers      int                      `json:"max_users"`
	MaxEmployees  int                      `json:"max_employees"`
	MaxStorageGB  int                      `json:"max_storage_gb"`
	Modules       []string                 `json:"modules"`
}

func (s *Server) toPublicPlan(plan *plandomain.Plan) publicPlan {
	restrictions := plan.Restrictions.Data()
	modules, unrestricted := s.entitlementSvc.GetAllowedModules(plan)
	if unrestricted {
		modules = nil
	} else if modules == nil {
		modules = []string{}
	}
	return publicPlan{
		ID:            plan.ID.String(),
		Name:          plan.Name,
		Slug:          plan.Slug,
		Description:   plan.Description,
		Price:         plan.Price,
		Currency:      plan.Currency,
		BillingPeriod: plan.BillingPeriod,
		TrialDays:     plan.TrialDays,
		IsFeatured:    plan.IsFeatured,
		MaxUsers:      restrictions.MaxUsers,
		MaxEmployees:  restrictions.MaxEmployees,
		MaxStorageGB:  restrictions.MaxStorageGB,
		Modules:       modules,
	}
}

func (s *Server) ListPublicPlans(c *gin.Context) {
	plans, err := s.planSvc.List(c.Request.Context(), true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]publicPlan, 0, len(plans))
	for i := range plans {
		out = append(out, s.toPublicPlan(&plans[i]))
	}

	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) ListPlans(c *gin.Context) {
	activeOnly, err := parseBoolQuery(c, "active_only", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	plans, err := s.planSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) CreatePlan(c *gin.Context) {
	var req plandomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.planSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": plan})
}

func (s *Server) UpdatePlan(c *gin.Context) {
	var req plandomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.planSvc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}
