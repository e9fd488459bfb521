package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectTenant       = "tenant"
	ObjectProvisioning = "provisioning"
	ObjectPlan         = "plan"
	ObjectSubscription = "subscription"
	ObjectPayment      = "payment"
	ObjectInvoice      = "invoice"
	ObjectOutbox       = "outbox"
)

const (
	ActionTenantView   = "tenant.view"
	ActionTenantManage = "tenant.manage"
	ActionTenantPurge  = "tenant.purge"

	ActionProvisioningView    = "provisioning.view"
	ActionProvisioningOperate = "provisioning.operate"

	ActionPlanView   = "plan.view"
	ActionPlanManage = "plan.manage"

	ActionSubscriptionManage = "subscription.manage"
	ActionSubscriptionSweep  = "subscription.sweep"

	ActionPaymentView   = "payment.view"
	ActionPaymentDecide = "payment.decide"
	ActionPaymentExport = "payment.export"

	ActionInvoiceView     = "invoice.view"
	ActionInvoiceGenerate = "invoice.generate"

	ActionOutboxDispatch = "outbox.dispatch"
)

const (
	RoleSuperAdmin   = "super_admin"
	RoleBillingAdmin = "billing_admin"
	RoleSupport      = "support"
	RoleSystem       = "system"
)

const actorSystem = "system"

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads policies from casbin_rule and makes sure the built-in
// role grants exist.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, role string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := resolveActor(actor, role)
	if err != nil {
		return err
	}
	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("role", roleName),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	if shouldLogGrant(action) {
		s.log.Info("authorization granted",
			zap.String("subject", subject),
			zap.String("role", roleName),
			zap.String("action", action),
		)
	}
	return nil
}

func resolveActor(actor string, role string) (string, string, error) {
	if actor == actorSystem {
		return actor, "role:" + RoleSystem, nil
	}
	if !strings.HasPrefix(actor, "admin:") || strings.TrimPrefix(actor, "admin:") == "" {
		return "", "", ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case RoleSuperAdmin, RoleBillingAdmin, RoleSupport:
		return actor, "role:" + role, nil
	default:
		// System grants are never reachable through a token claim.
		return "", "", ErrInvalidRole
	}
}

// ensureGrouping keeps exactly one role link per subject so a role change in
// the token takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldLogGrant(action string) bool {
	switch action {
	case ActionTenantPurge, ActionPaymentDecide:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:super_admin", ObjectTenant, "*"},
		{"role:super_admin", ObjectProvisioning, "*"},
		{"role:super_admin", ObjectPlan, "*"},
		{"role:super_admin", ObjectSubscription, ActionSubscriptionManage},
		{"role:super_admin", ObjectPayment, "*"},
		{"role:super_admin", ObjectInvoice, "*"},

		{"role:billing_admin", ObjectTenant, ActionTenantView},
		{"role:billing_admin", ObjectPlan, ActionPlanView},
		{"role:billing_admin", ObjectPlan, ActionPlanManage},
		{"role:billing_admin", ObjectSubscription, ActionSubscriptionManage},
		{"role:billing_admin", ObjectPayment, ActionPaymentView},
		{"role:billing_admin", ObjectPayment, ActionPaymentDecide},
		{"role:billing_admin", ObjectPayment, ActionPaymentExport},
		{"role:billing_admin", ObjectInvoice, ActionInvoiceView},
		{"role:billing_admin", ObjectInvoice, ActionInvoiceGenerate},

		// Support is read-only.
		{"role:support", ObjectTenant, ActionTenantView},
		{"role:support", ObjectProvisioning, ActionProvisioningView},
		{"role:support", ObjectPlan, ActionPlanView},
		{"role:support", ObjectPayment, ActionPaymentView},
		{"role:support", ObjectInvoice, ActionInvoiceView},

		{"role:system", ObjectSubscription, ActionSubscriptionSweep},
		{"role:system", ObjectInvoice, ActionInvoiceGenerate},
		{"role:system", ObjectProvisioning, ActionProvisioningOperate},
		{"role:system", ObjectOutbox, ActionOutboxDispatch},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
