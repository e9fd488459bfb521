package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type migrateRequest struct {
	SeedDemo bool `json:"seed_demo"`
}

func (s *Server) ListTenants(c *gin.Context) {
	page, err := parsePagination(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.tenantSvc.List(c.Request.Context(), tenantdomain.ListRequest{
		Pagination:         page,
		Status:             tenantdomain.Status(strings.TrimSpace(c.Query("status"))),
		ProvisioningStatus: tenantdomain.ProvisioningStatus(strings.TrimSpace(c.Query("provisioning_status"))),
		Query:              strings.TrimSpace(c.Query("q")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Tenants, "page_info": resp.PageInfo})
}

func (s *Server) GetTenant(c *gin.Context) {
	tenant, err := s.tenantSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tenant})
}

func (s *Server) ApproveTenant(c *gin.Context) {
	tenant, err := s.tenantSvc.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tenant})
}

func (s *Server) ActivateTenant(c *gin.Context) {
	tenant, err := s.tenantSvc.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tenant})
}

func (s *Server) SuspendTenant(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	tenant, err := s.tenantSvc.Suspend(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tenant})
}

func (s *Server) CancelTenant(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	tenant, err := s.tenantSvc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tenant})
}

func (s *Server) DeleteTenant(c *gin.Context) {
	if err := s.tenantSvc.SoftDelete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PurgeTenant hard-deletes a soft-deleted tenant and its platform rows. The
// tenant database itself is left for an operator.
func (s *Server) PurgeTenant(c *gin.Context) {
	if err := s.tenantSvc.Purge(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) GetProvisioning(c *gin.Context) {
	tenant, err := s.tenantSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.provisioningSvc.Get(c.Request.Context(), tenant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) RetryProvisioning(c *gin.Context) {
	tenant, err := s.tenantSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.provisioningSvc.Retry(c.Request.Context(), tenant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) MigrateTenantDatabase(c *gin.Context) {
	var req migrateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	tenant, err := s.tenantSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.provisioningSvc.MigrateAndSeed(c.Request.Context(), tenant.ID, req.SeedDemo); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"tenant_id": tenant.ID.String(), "migrated": true, "seeded_demo": req.SeedDemo}})
}

func (s *Server) VerifyProvisioning(c *gin.Context) {
	tenant, err := s.tenantSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ok, err := s.provisioningSvc.Verify(c.Request.Context(), tenant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"tenant_id": tenant.ID.String(), "reachable": ok}})
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return invalidRequestError()
	}
	return nil
}
