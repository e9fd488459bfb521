package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
)

// TenantProvisioner lets the tenant registry trigger provisioning inline.
type TenantProvisioner struct {
	svc provisioningdomain.Service
}

func NewTenantProvisioner(svc provisioningdomain.Service) tenantdomain.Provisioner {
	return &TenantProvisioner{svc: svc}
}

func (p *TenantProvisioner) Provision(ctx context.Context, tenantID snowflake.ID) error {
	_, err := p.svc.ProvisionAndMigrate(ctx, tenantID)
	return err
}
