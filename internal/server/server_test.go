package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/config"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret = "test-secret"
	testJWTIssuer = "tenancy-test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Fakes embed the interface so unexpected calls panic loudly.

type fakeTenantService struct {
	tenantdomain.Service
	tenant       *tenantdomain.Tenant
	registerFn   func(tenantdomain.Registration) (*tenantdomain.Tenant, error)
	lastHost     string
	lastUUID     string
	approvedIDs  []string
	suspendedFor string
}

func (f *fakeTenantService) Register(_ context.Context, req tenantdomain.Registration) (*tenantdomain.Tenant, error) {
	return f.registerFn(req)
}

func (f *fakeTenantService) GetByUUID(_ context.Context, uuid string) (*tenantdomain.Tenant, error) {
	f.lastUUID = uuid
	if f.tenant == nil || f.tenant.UUID != uuid {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return f.tenant, nil
}

func (f *fakeTenantService) GetByHost(_ context.Context, host string) (*tenantdomain.Tenant, error) {
	f.lastHost = host
	if f.tenant == nil {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return f.tenant, nil
}

func (f *fakeTenantService) GetByID(_ context.Context, id string) (*tenantdomain.Tenant, error) {
	if f.tenant == nil || f.tenant.ID.String() != id {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return f.tenant, nil
}

func (f *fakeTenantService) Approve(_ context.Context, id string) (*tenantdomain.Tenant, error) {
	f.approvedIDs = append(f.approvedIDs, id)
	if f.tenant.Status == tenantdomain.StatusApproved {
		return f.tenant, nil
	}
	if f.tenant.Status != tenantdomain.StatusPending {
		return nil, tenantdomain.ErrInvalidStateTransition
	}
	f.tenant.Status = tenantdomain.StatusApproved
	return f.tenant, nil
}

func (f *fakeTenantService) Suspend(_ context.Context, _ string, reason string) (*tenantdomain.Tenant, error) {
	f.suspendedFor = reason
	f.tenant.Status = tenantdomain.StatusSuspended
	return f.tenant, nil
}

type fakePlanService struct {
	plandomain.Service
	plans []plandomain.Plan
}

func (f *fakePlanService) List(_ context.Context, activeOnly bool) ([]plandomain.Plan, error) {
	out := make([]plandomain.Plan, 0, len(f.plans))
	for _, p := range f.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type fakeEntitlementService struct {
	entitlementdomain.Service
	modules      []string
	unrestricted bool
	caps         map[plandomain.Resource]int
	usage        map[plandomain.Resource]int64
}

func (f *fakeEntitlementService) GetAllowedModules(plan *plandomain.Plan) ([]string, bool) {
	set := plan.Restrictions.Data().Modules
	if set.IsUnrestricted() {
		return nil, true
	}
	return set.Names(), false
}

func (f *fakeEntitlementService) TenantModules(context.Context, snowflake.ID) ([]string, bool, error) {
	if f.unrestricted {
		return nil, true, nil
	}
	return f.modules, false, nil
}

func (f *fakeEntitlementService) IsModuleEnabled(_ context.Context, _ snowflake.ID, module string) (bool, error) {
	if f.unrestricted {
		return true, nil
	}
	for _, m := range f.modules {
		if m == module {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEntitlementService) CheckLimit(_ context.Context, _ snowflake.ID, resource plandomain.Resource, increment int64) (entitlementdomain.LimitDecision, error) {
	if !resource.Valid() {
		return entitlementdomain.LimitDecision{}, entitlementdomain.ErrInvalidResource
	}
	decision := entitlementdomain.LimitDecision{
		Resource:  resource,
		Usage:     f.usage[resource],
		Increment: increment,
		Cap:       f.caps[resource],
	}
	decision.Allowed = decision.Usage+increment <= int64(decision.Cap)
	if !decision.Allowed {
		return decision, entitlementdomain.ErrPlanLimitExceeded
	}
	return decision, nil
}

type fakePaymentService struct {
	paymentdomain.Service
	submitted []paymentdomain.SubmitRequest
	approver  string
	payment   *paymentdomain.Payment
}

func (f *fakePaymentService) Submit(_ context.Context, req paymentdomain.SubmitRequest) (*paymentdomain.Payment, error) {
	f.submitted = append(f.submitted, req)
	return &paymentdomain.Payment{
		ID:            snowflake.ID(900),
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Status:        paymentdomain.StatusPending,
	}, nil
}

func (f *fakePaymentService) Approve(_ context.Context, id string, approver string, _ string) (*paymentdomain.Payment, error) {
	if f.payment == nil || f.payment.ID.String() != id {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if f.payment.Status != paymentdomain.StatusPending {
		return nil, paymentdomain.ErrInvalidStateTransition
	}
	f.approver = approver
	f.payment.Status = paymentdomain.StatusApproved
	f.payment.ApprovedBy = &approver
	return f.payment, nil
}

func (f *fakePaymentService) Get(_ context.Context, id string) (*paymentdomain.Payment, error) {
	if f.payment == nil || f.payment.ID.String() != id {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return f.payment, nil
}

type testServerOption func(*ServerParams)

func withRegistrationLimiter(l *ratelimit.RegistrationLimiter) testServerOption {
	return func(p *ServerParams) { p.RegistrationLimiter = l }
}

type testServer struct {
	server       *Server
	tenants      *fakeTenantService
	plans        *fakePlanService
	entitlements *fakeEntitlementService
	payments     *fakePaymentService
	cfg          config.Config
}

func newTestServer(t *testing.T, opts ...testServerOption) *testServer {
	t.Helper()

	authzDB := dbtest.Open(t)
	enforcer, err := authorization.NewEnforcer(authzDB)
	require.NoError(t, err)

	cfg := config.Config{
		AppName:     "tenancy",
		Environment: "test",
		Admin:       config.AdminConfig{JWTSecret: testJWTSecret, JWTIssuer: testJWTIssuer},
		Storage:     config.StorageConfig{PaymentProofDir: t.TempDir()},
	}

	ts := &testServer{
		tenants:      &fakeTenantService{},
		plans:        &fakePlanService{},
		entitlements: &fakeEntitlementService{},
		payments:     &fakePaymentService{},
		cfg:          cfg,
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	params := ServerParams{
		Gin:             engine,
		Cfg:             cfg,
		Log:             zap.NewNop(),
		TenantSvc:       ts.tenants,
		ProvisioningSvc: struct{ provisioningdomain.Service }{},
		PlanSvc:         ts.plans,
		EntitlementSvc:  ts.entitlements,
		SubscriptionSvc: struct{ subscriptiondomain.Service }{},
		PaymentSvc:      ts.payments,
		InvoiceSvc:      struct{ invoicedomain.Service }{},
		AuthzSvc:        authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
	}
	for _, opt := range opts {
		opt(&params)
	}
	ts.server = NewServer(params)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func adminToken(t *testing.T, subject, role string) string {
	t.Helper()
	token, err := SignAdminToken(testJWTSecret, testJWTIssuer, subject, role, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error object in %s", w.Body.String())
	typ, _ := errObj["type"].(string)
	return typ
}
