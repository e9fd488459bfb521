package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/config"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	"github.com/smallbiznis/tenancy/internal/observability"
	obsmiddleware "github.com/smallbiznis/tenancy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenancy/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenancy/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(classifyErrorForLog))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine              *gin.Engine
	cfg                 config.Config
	db                  *gorm.DB
	log                 *zap.Logger
	tenantSvc           tenantdomain.Service
	provisioningSvc     provisioningdomain.Service
	planSvc             plandomain.Service
	entitlementSvc      entitlementdomain.Service
	subscriptionSvc     subscriptiondomain.Service
	paymentSvc          paymentdomain.Service
	invoiceSvc          invoicedomain.Service
	authzSvc            authorization.Service
	registrationLimiter *ratelimit.RegistrationLimiter
	obsMetrics          *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin                 *gin.Engine
	Cfg                 config.Config
	DB                  *gorm.DB
	Log                 *zap.Logger
	TenantSvc           tenantdomain.Service
	ProvisioningSvc     provisioningdomain.Service
	PlanSvc             plandomain.Service
	EntitlementSvc      entitlementdomain.Service
	SubscriptionSvc     subscriptiondomain.Service
	PaymentSvc          paymentdomain.Service
	InvoiceSvc          invoicedomain.Service
	AuthzSvc            authorization.Service
	RegistrationLimiter *ratelimit.RegistrationLimiter `optional:"true"`
	ObsMetrics          *obsmetrics.Metrics            `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:              p.Gin,
		cfg:                 p.Cfg,
		db:                  p.DB,
		log:                 p.Log.Named("http.server"),
		tenantSvc:           p.TenantSvc,
		provisioningSvc:     p.ProvisioningSvc,
		planSvc:             p.PlanSvc,
		entitlementSvc:      p.EntitlementSvc,
		subscriptionSvc:     p.SubscriptionSvc,
		paymentSvc:          p.PaymentSvc,
		invoiceSvc:          p.InvoiceSvc,
		authzSvc:            p.AuthzSvc,
		registrationLimiter: p.RegistrationLimiter,
		obsMetrics:          p.ObsMetrics,
	}

	svc.registerHealthRoutes()
	svc.registerPublicRoutes()
	svc.registerTenantRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerPublicRoutes() {
	api := s.engine.Group("/api")

	api.POST("/registrations", s.RegistrationRateLimit(), s.Register)
	api.GET("/plans", s.ListPublicPlans)
}

func (s *Server) registerTenantRoutes() {
	tenant := s.engine.Group("/api/tenant", s.TenantContext())

	tenant.GET("/entitlements/modules", s.ListModuleEntitlements)
	tenant.GET("/entitlements/modules/:module", s.GetModuleEntitlement)
	tenant.POST("/entitlements/limits/:resource/check", s.CheckLimit)
	tenant.PUT("/usage/:resource", s.RecordUsage)

	tenant.GET("/subscription", s.GetTenantSubscription)

	tenant.GET("/payments", s.ListTenantPayments)
	tenant.POST("/payments", s.SubmitPayment)
	tenant.POST("/payments/:id/cancel", s.CancelTenantPayment)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.AdminAuthRequired())

	// -------- Tenants --------
	admin.GET("/tenants", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantView), s.ListTenants)
	admin.GET("/tenants/:id", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantView), s.GetTenant)
	admin.POST("/tenants/:id/approve", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantManage), s.ApproveTenant)
	admin.POST("/tenants/:id/activate", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantManage), s.ActivateTenant)
	admin.POST("/tenants/:id/suspend", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantManage), s.SuspendTenant)
	admin.POST("/tenants/:id/cancel", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantManage), s.CancelTenant)
	admin.DELETE("/tenants/:id", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantManage), s.DeleteTenant)
	admin.DELETE("/tenants/:id/purge", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantPurge), s.PurgeTenant)

	// -------- Provisioning --------
	admin.GET("/tenants/:id/provisioning", s.authorizeAdmin(authorization.ObjectProvisioning, authorization.ActionProvisioningView), s.GetProvisioning)
	admin.POST("/tenants/:id/provisioning/retry", s.authorizeAdmin(authorization.ObjectProvisioning, authorization.ActionProvisioningOperate), s.RetryProvisioning)
	admin.POST("/tenants/:id/provisioning/migrate", s.authorizeAdmin(authorization.ObjectProvisioning, authorization.ActionProvisioningOperate), s.MigrateTenantDatabase)
	admin.POST("/tenants/:id/provisioning/verify", s.authorizeAdmin(authorization.ObjectProvisioning, authorization.ActionProvisioningOperate), s.VerifyProvisioning)

	// -------- Plans --------
	admin.GET("/plans", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanView), s.ListPlans)
	admin.POST("/plans", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanManage), s.CreatePlan)
	admin.PATCH("/plans/:id", s.authorizeAdmin(authorization.ObjectPlan, authorization.ActionPlanManage), s.UpdatePlan)

	// -------- Subscriptions --------
	admin.GET("/tenants/:id/subscriptions", s.authorizeAdmin(authorization.ObjectTenant, authorization.ActionTenantView), s.ListTenantSubscriptions)
	admin.POST("/tenants/:id/subscriptions/trial", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.StartTrial)
	admin.POST("/tenants/:id/subscriptions/manual", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.CreateManualSubscription)
	admin.POST("/subscriptions/:id/activate", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.ActivateSubscription)
	admin.POST("/subscriptions/:id/cancel", s.authorizeAdmin(authorization.ObjectSubscription, authorization.ActionSubscriptionManage), s.CancelSubscription)

	// -------- Payments --------
	admin.GET("/payments", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentView), s.ListPayments)
	admin.GET("/payments/statistics", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentView), s.PaymentStatistics)
	admin.GET("/payments/export", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentExport), s.ExportPayments)
	admin.GET("/payments/:id", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentView), s.GetPayment)
	admin.POST("/payments/:id/approve", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentDecide), s.ApprovePayment)
	admin.POST("/payments/:id/reject", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentDecide), s.RejectPayment)
	admin.POST("/payments/:id/gateway-result", s.authorizeAdmin(authorization.ObjectPayment, authorization.ActionPaymentDecide), s.RecordGatewayResult)

	// -------- Invoices --------
	admin.POST("/payments/:id/invoice", s.authorizeAdmin(authorization.ObjectInvoice, authorization.ActionInvoiceGenerate), s.GenerateInvoice)
	admin.GET("/payments/:id/invoice.pdf", s.authorizeAdmin(authorization.ObjectInvoice, authorization.ActionInvoiceView), s.DownloadInvoicePDF)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

// Health pings the platform database.
func (s *Server) Health(c *gin.Context) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
