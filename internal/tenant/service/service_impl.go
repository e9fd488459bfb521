package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/smallbiznis/tenancy/internal/auth/password"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
	"github.com/smallbiznis/tenancy/pkg/sanitize"
	"github.com/smallbiznis/tenancy/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxSubdomainLength = 63

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	tenancy     *config.TenancyConfigHolder
	repo        tenantdomain.Repository
	outbox      *events.Outbox
	plans       plandomain.Service
	provisioner tenantdomain.Provisioner
	metrics     *metrics.Metrics
	validate    *validator.Validate
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Tenancy     *config.TenancyConfigHolder
	Repo        tenantdomain.Repository
	Outbox      *events.Outbox
	Plans       plandomain.Service
	Provisioner tenantdomain.Provisioner `optional:"true"`
	Metrics     *metrics.Metrics         `optional:"true"`
}

func NewService(p ServiceParam) tenantdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("tenant.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config,
		tenancy:     p.Tenancy,
		repo:        p.Repo,
		outbox:      p.Outbox,
		plans:       p.Plans,
		provisioner: p.Provisioner,
		metrics:     p.Metrics,
		validate:    validator.New(),
	}
}

func (s *Service) Register(ctx context.Context, req tenantdomain.Registration) (*tenantdomain.Tenant, error) {
	req = normalizeRegistration(req)

	errs, err := s.validateRegistration(ctx, req)
	if err != nil {
		return nil, err
	}
	plan, err := s.resolvePlan(ctx, req.PlanSlug, &errs)
	if err != nil {
		return nil, err
	}
	if err := errs.Err(); err != nil {
		s.metrics.RecordRegistration(ctx, "validation_error")
		return nil, err
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tenant := &tenantdomain.Tenant{
		ID:                         s.genID.Generate(),
		UUID:                       uuid.NewString(),
		Name:                       req.Name,
		Email:                      req.Email,
		Phone:                      req.Phone,
		Subdomain:                  req.Subdomain,
		Status:                     tenantdomain.StatusPending,
		DatabaseProvisioningStatus: tenantdomain.ProvisioningPending,
		Metadata:                   datatypes.JSONMap{},
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if req.CustomDomain != "" {
		domain := req.CustomDomain
		tenant.CustomDomain = &domain
	}
	if plan != nil {
		planID := plan.ID
		tenant.PlanID = &planID
	}

	adminName := req.AdminName
	if adminName == "" {
		adminName = req.Name
	}
	admin := &tenantdomain.TenantUser{
		ID:           s.genID.Generate(),
		TenantID:     tenant.ID,
		Name:         adminName,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         tenantdomain.RoleTenantAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	queued := s.cfg.Provisioning.Async || s.provisioner == nil
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, tenant); err != nil {
			return err
		}
		if err := s.repo.InsertUser(ctx, tx, admin); err != nil {
			return err
		}
		if err := s.outbox.Append(ctx, tx, events.Event{
			Type:          events.TypeTenantRegistered,
			AggregateType: events.AggregateTenant,
			AggregateID:   tenant.ID.String(),
			TenantID:      &tenant.ID,
			Payload: map[string]any{
				"uuid":      tenant.UUID,
				"name":      tenant.Name,
				"email":     tenant.Email,
				"subdomain": tenant.Subdomain,
				"plan":      req.PlanSlug,
			},
		}); err != nil {
			return err
		}
		if queued {
			return s.outbox.Append(ctx, tx, events.Event{
				Type:          events.TypeTenantProvisioningRequested,
				AggregateType: events.AggregateTenant,
				AggregateID:   tenant.ID.String(),
				TenantID:      &tenant.ID,
				Payload:       map[string]any{"tenant_id": tenant.ID.String()},
			})
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.metrics.RecordRegistration(ctx, "validation_error")
			return nil, s.duplicateToValidation(ctx, req)
		}
		s.metrics.RecordRegistration(ctx, "error")
		return nil, err
	}

	s.metrics.RecordRegistration(ctx, "success")
	s.log.Info("tenant registered",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("subdomain", tenant.Subdomain),
		zap.Bool("queued_provisioning", queued),
	)

	if queued {
		return tenant, nil
	}

	// Registration has committed; a provisioning failure is recorded on the
	// tenant and surfaced through its provisioning status.
	if err := s.provisioner.Provision(ctx, tenant.ID); err != nil {
		s.log.Error("inline provisioning failed",
			zap.String("tenant_id", tenant.ID.String()),
			zap.Error(err),
		)
	}
	reloaded, err := s.repo.FindByID(ctx, s.db, tenant.ID)
	if err != nil || reloaded == nil {
		return tenant, nil
	}
	return reloaded, nil
}

func normalizeRegistration(req tenantdomain.Registration) tenantdomain.Registration {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	req.Subdomain = strings.ToLower(strings.TrimSpace(req.Subdomain))
	req.CustomDomain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(req.CustomDomain)), ".")
	req.AdminName = strings.TrimSpace(req.AdminName)
	req.PlanSlug = strings.ToLower(strings.TrimSpace(req.PlanSlug))
	return req
}

// validateRegistration returns field errors, or a non-nil error when a
// uniqueness lookup itself failed.
func (s *Service) validateRegistration(ctx context.Context, req tenantdomain.Registration) (validation.Errors, error) {
	var errs validation.Errors

	if req.Name == "" {
		errs.Add("name", validation.CodeRequired, "name is required")
	} else if utf8.RuneCountInString(req.Name) > 255 {
		errs.Add("name", validation.CodeTooLong, "name must be at most 255 characters")
	}

	switch {
	case req.Subdomain == "":
		errs.Add("subdomain", validation.CodeRequired, "subdomain is required")
	case len(req.Subdomain) > maxSubdomainLength:
		errs.Add("subdomain", validation.CodeTooLong, "subdomain must be at most 63 characters")
	case !subdomainPattern.MatchString(req.Subdomain):
		errs.Add("subdomain", validation.CodeInvalid, "subdomain may contain lowercase letters, digits and single hyphens")
	default:
		if err := s.checkSubdomainAvailable(ctx, req.Subdomain, &errs); err != nil {
			return errs, err
		}
	}

	switch {
	case req.Email == "":
		errs.Add("email", validation.CodeRequired, "email is required")
	case s.validate.Var(req.Email, "email") != nil:
		errs.Add("email", validation.CodeInvalid, "email is not a valid address")
	default:
		taken, err := s.repo.EmailTaken(ctx, s.db, req.Email)
		if err != nil {
			return errs, fmt.Errorf("check email uniqueness: %w", err)
		}
		if taken {
			errs.Add("email", validation.CodeTaken, "email is already registered")
		}
	}

	if req.CustomDomain != "" {
		if s.validate.Var(req.CustomDomain, "fqdn") != nil {
			errs.Add("custom_domain", validation.CodeInvalid, "custom_domain is not a valid domain name")
		} else {
			taken, err := s.repo.CustomDomainTaken(ctx, s.db, req.CustomDomain)
			if err != nil {
				return errs, fmt.Errorf("check custom domain uniqueness: %w", err)
			}
			if taken {
				errs.Add("custom_domain", validation.CodeTaken, "custom_domain is already in use")
			}
		}
	}

	if err := password.Validate(req.Password); err != nil {
		errs.Add("password", validation.CodeTooShort, "password must be at least 8 characters")
	}
	return errs, nil
}

func (s *Service) checkSubdomainAvailable(ctx context.Context, subdomain string, errs *validation.Errors) error {
	for _, reserved := range s.tenancy.Get().ReservedSubdomains {
		if reserved == subdomain {
			errs.Add("subdomain", validation.CodeReserved, "subdomain is reserved")
			return nil
		}
	}
	reserved, err := s.repo.IsReserved(ctx, s.db, subdomain)
	if err != nil {
		return fmt.Errorf("check reserved subdomain: %w", err)
	}
	if reserved {
		errs.Add("subdomain", validation.CodeReserved, "subdomain is reserved")
		return nil
	}
	taken, err := s.repo.SubdomainTaken(ctx, s.db, subdomain)
	if err != nil {
		return fmt.Errorf("check subdomain uniqueness: %w", err)
	}
	if taken {
		errs.Add("subdomain", validation.CodeTaken, "subdomain is already taken")
	}
	return nil
}

func (s *Service) resolvePlan(ctx context.Context, planSlug string, errs *validation.Errors) (*plandomain.Plan, error) {
	if planSlug == "" {
		return nil, nil
	}
	plan, err := s.plans.GetBySlug(ctx, planSlug)
	switch {
	case errors.Is(err, plandomain.ErrPlanNotFound):
		errs.Add("plan", validation.CodeNotFound, "plan does not exist")
		return nil, nil
	case err != nil:
		return nil, err
	case !plan.IsActive:
		errs.Add("plan", validation.CodeInvalid, "plan is not available")
		return nil, nil
	}
	return plan, nil
}

// duplicateToValidation re-runs the uniqueness checks after a concurrent
// registration won the race on a unique index.
func (s *Service) duplicateToValidation(ctx context.Context, req tenantdomain.Registration) error {
	var errs validation.Errors
	if taken, _ := s.repo.SubdomainTaken(ctx, s.db, req.Subdomain); taken {
		errs.Add("subdomain", validation.CodeTaken, "subdomain is already taken")
	}
	if taken, _ := s.repo.EmailTaken(ctx, s.db, req.Email); taken {
		errs.Add("email", validation.CodeTaken, "email is already registered")
	}
	if req.CustomDomain != "" {
		if taken, _ := s.repo.CustomDomainTaken(ctx, s.db, req.CustomDomain); taken {
			errs.Add("custom_domain", validation.CodeTaken, "custom_domain is already in use")
		}
	}
	if len(errs) == 0 {
		errs.Add("subdomain", validation.CodeTaken, "tenant already exists")
	}
	return errs
}

func (s *Service) Approve(ctx context.Context, id string) (*tenantdomain.Tenant, error) {
	return s.transition(ctx, id, tenantdomain.StatusApproved, "")
}

func (s *Service) Activate(ctx context.Context, id string) (*tenantdomain.Tenant, error) {
	return s.transition(ctx, id, tenantdomain.StatusActive, "")
}

func (s *Service) Suspend(ctx context.Context, id string, reason string) (*tenantdomain.Tenant, error) {
	return s.transition(ctx, id, tenantdomain.StatusSuspended, reason)
}

func (s *Service) Cancel(ctx context.Context, id string, reason string) (*tenantdomain.Tenant, error) {
	return s.transition(ctx, id, tenantdomain.StatusCancelled, reason)
}

func (s *Service) transition(ctx context.Context, id string, to tenantdomain.Status, reason string) (*tenantdomain.Tenant, error) {
	tenantID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var result *tenantdomain.Tenant
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := s.repo.FindByIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return tenantdomain.ErrTenantNotFound
		}
		if _, err := s.applyTransition(ctx, tx, tenant, to, reason); err != nil {
			return err
		}
		result = tenant
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyTransition mutates tenant in place. It reports false when the tenant
// was already in the target status.
func (s *Service) applyTransition(ctx context.Context, tx *gorm.DB, tenant *tenantdomain.Tenant, to tenantdomain.Status, reason string) (bool, error) {
	from := tenant.Status
	if from == to {
		return false, nil
	}
	if !tenantdomain.CanTransition(from, to) {
		return false, tenantdomain.ErrInvalidStateTransition
	}

	now := s.clock.Now()
	reason = sanitize.Text(reason)
	metadata := map[string]any{}
	for k, v := range tenant.Metadata {
		metadata[k] = v
	}
	if reason != "" {
		metadata["status_reason"] = reason
	} else {
		delete(metadata, "status_reason")
	}
	if err := s.repo.UpdateStatus(ctx, tx, tenant.ID, to, metadata, now); err != nil {
		return false, err
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.outbox.Append(ctx, tx, events.Event{
		Type:          events.TenantStatusType(string(to)),
		AggregateType: events.AggregateTenant,
		AggregateID:   tenant.ID.String(),
		TenantID:      &tenant.ID,
		Payload:       payload,
	}); err != nil {
		return false, err
	}

	tenant.Status = to
	tenant.Metadata = metadata
	tenant.UpdatedAt = now
	s.log.Info("tenant status changed",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return true, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*tenantdomain.Tenant, error) {
	tenantID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return notFound(s.repo.FindByID(ctx, s.db, tenantID))
}

func (s *Service) GetByUUID(ctx context.Context, value string) (*tenantdomain.Tenant, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, tenantdomain.ErrInvalidTenantID
	}
	return notFound(s.repo.FindByUUID(ctx, s.db, parsed.String()))
}

func (s *Service) GetBySubdomain(ctx context.Context, subdomain string) (*tenantdomain.Tenant, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if subdomain == "" {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return notFound(s.repo.FindBySubdomain(ctx, s.db, subdomain))
}

// GetByHost matches a custom domain first, then the left-most label as a
// subdomain.
func (s *Service) GetByHost(ctx context.Context, host string) (*tenantdomain.Tenant, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return nil, tenantdomain.ErrTenantNotFound
	}

	tenant, err := s.repo.FindByCustomDomain(ctx, s.db, host)
	if err != nil {
		return nil, err
	}
	if tenant != nil {
		return tenant, nil
	}

	label, _, found := strings.Cut(host, ".")
	if !found {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return s.GetBySubdomain(ctx, label)
}

func (s *Service) List(ctx context.Context, req tenantdomain.ListRequest) (tenantdomain.ListResponse, error) {
	page := req.Pagination.Normalize()
	filter := tenantdomain.ListFilter{
		Status:             req.Status,
		ProvisioningStatus: req.ProvisioningStatus,
		Query:              req.Query,
		Limit:              page.PageSize + 1,
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return tenantdomain.ListResponse{}, err
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return tenantdomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	rows, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return tenantdomain.ListResponse{}, err
	}
	tenants, info, err := pagination.Trim(rows, page.PageSize, func(t tenantdomain.Tenant) pagination.Cursor {
		return pagination.Cursor{ID: t.ID.String()}
	})
	if err != nil {
		return tenantdomain.ListResponse{}, err
	}
	return tenantdomain.ListResponse{Tenants: tenants, PageInfo: info}, nil
}

func (s *Service) SoftDelete(ctx context.Context, id string) error {
	tenantID, err := parseID(id)
	if err != nil {
		return err
	}
	affected, err := s.repo.SoftDelete(ctx, s.db, tenantID, s.clock.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return tenantdomain.ErrTenantNotFound
	}
	s.log.Info("tenant soft deleted", zap.String("tenant_id", tenantID.String()))
	return nil
}

func (s *Service) Purge(ctx context.Context, id string) error {
	tenantID, err := parseID(id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := s.repo.FindByIDIncludingDeleted(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return tenantdomain.ErrTenantNotFound
		}
		if !tenant.DeletedAt.Valid {
			return tenantdomain.ErrTenantNotDeleted
		}
		if err := s.repo.Purge(ctx, tx, tenantID); err != nil {
			return err
		}
		s.log.Warn("tenant purged", zap.String("tenant_id", tenantID.String()), zap.String("subdomain", tenant.Subdomain))
		return nil
	})
}

func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*tenantdomain.Tenant, error) {
	return notFound(s.repo.FindByIDForUpdate(ctx, tx, id))
}

func (s *Service) MarkTrialUsed(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	return s.repo.MarkTrialUsed(ctx, tx, id, s.clock.Now())
}

func (s *Service) SuspendIfAllowedTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (bool, error) {
	tenant, err := s.repo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if tenant == nil {
		return false, tenantdomain.ErrTenantNotFound
	}
	if !tenantdomain.CanTransition(tenant.Status, tenantdomain.StatusSuspended) {
		return false, nil
	}
	return s.applyTransition(ctx, tx, tenant, tenantdomain.StatusSuspended, reason)
}

func notFound(tenant *tenantdomain.Tenant, err error) (*tenantdomain.Tenant, error) {
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return tenant, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, tenantdomain.ErrInvalidTenantID
	}
	return id, nil
}
