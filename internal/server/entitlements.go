package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
)

type checkLimitRequest struct {
	Increment *int64 `json:"increment"`
}

type recordUsageRequest struct {
	Quantity *int64 `json:"quantity"`
}

func (s *Server) GetModuleEntitlement(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	module := strings.TrimSpace(c.Param("module"))
	if module == "" {
		AbortWithError(c, newValidationError("module", "required", "module is required"))
		return
	}

	enabled, err := s.entitlementSvc.IsModuleEnabled(c.Request.Context(), tenant.ID, module)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"module": module, "enabled": enabled}})
}

func (s *Server) ListModuleEntitlements(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	modules, unrestricted, err := s.entitlementSvc.TenantModules(c.Request.Context(), tenant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if unrestricted {
		modules = nil
	} else if modules == nil {
		modules = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"modules": modules}})
}

// CheckLimit answers whether adding increment units would stay within the
// plan cap. Over-limit comes back as 403 plan_limit_exceeded with the
// decision attached.
func (s *Server) CheckLimit(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req checkLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	increment := int64(1)
	if req.Increment != nil {
		increment = *req.Increment
	}

	resource := plandomain.Resource(strings.TrimSpace(c.Param("resource")))
	decision, err := s.entitlementSvc.CheckLimit(c.Request.Context(), tenant.ID, resource, increment)
	if errors.Is(err, entitlementdomain.ErrPlanLimitExceeded) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": errorPayload{Type: "plan_limit_exceeded", Message: "plan limit exceeded"},
			"data":  decision,
		})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

func (s *Server) RecordUsage(c *gin.Context) {
	tenant, ok := tenantFromContext(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Quantity == nil {
		AbortWithError(c, newValidationError("quantity", "required", "quantity is required"))
		return
	}

	resource := plandomain.Resource(strings.TrimSpace(c.Param("resource")))
	usage, err := s.entitlementSvc.RecordUsage(c.Request.Context(), tenant.ID, resource, *req.Quantity)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": usage})
}
