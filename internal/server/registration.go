package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
)

type registrationResponse struct {
	UUID                       string                          `json:"uuid"`
	Subdomain                  string                          `json:"subdomain"`
	Status                     tenantdomain.Status             `json:"status"`
	DatabaseProvisioningStatus tenantdomain.ProvisioningStatus `json:"database_provisioning_status"`
}

func (s *Server) Register(c *gin.Context) {
	var req tenantdomain.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenant, err := s.tenantSvc.Register(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": registrationResponse{
		UUID:                       tenant.UUID,
		Subdomain:                  tenant.Subdomain,
		Status:                     tenant.Status,
		DatabaseProvisioningStatus: tenant.DatabaseProvisioningStatus,
	}})
}
