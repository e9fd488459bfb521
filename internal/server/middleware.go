package server

import (
	"fmt"
	"net"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/tenancy/internal/observability/context"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
)

const (
	HeaderTenant       = "X-Tenant-ID"
	contextTenantKey   = "tenant"
	contextActorKey    = "actor"
	contextAdminRole   = "admin_role"
	bearerPrefix       = "Bearer "
	adminActorPrefix   = "admin:"
	defaultAdminIssuer = "tenancy"
)

// TenantContext resolves the calling tenant from X-Tenant-ID (the tenant
// UUID) or, failing that, from the request host.
func (s *Server) TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var (
			tenant *tenantdomain.Tenant
			err    error
		)
		if raw := strings.TrimSpace(c.GetHeader(HeaderTenant)); raw != "" {
			if _, perr := uuid.Parse(raw); perr != nil {
				AbortWithError(c, tenantdomain.ErrInvalidTenantID)
				return
			}
			tenant, err = s.tenantSvc.GetByUUID(ctx, raw)
		} else {
			host := requestHost(c)
			if host == "" {
				AbortWithError(c, ErrTenantRequired)
				return
			}
			tenant, err = s.tenantSvc.GetByHost(ctx, host)
		}
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextTenantKey, tenant)
		c.Request = c.Request.WithContext(obscontext.WithTenantID(ctx, tenant.ID.String()))
		c.Next()
	}
}

func tenantFromContext(c *gin.Context) (*tenantdomain.Tenant, bool) {
	value, ok := c.Get(contextTenantKey)
	if !ok {
		return nil, false
	}
	tenant, ok := value.(*tenantdomain.Tenant)
	return tenant, ok && tenant != nil
}

func requestHost(c *gin.Context) string {
	host := strings.TrimSpace(c.Request.Host)
	if forwarded := strings.TrimSpace(c.GetHeader("X-Forwarded-Host")); forwarded != "" {
		host = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuthRequired validates an HS256 bearer token issued to a platform
// admin. The subject becomes the actor and the role claim is checked later
// by authorizeAdmin.
func (s *Server) AdminAuthRequired() gin.HandlerFunc {
	secret := []byte(s.cfg.Admin.JWTSecret)
	issuer := strings.TrimSpace(s.cfg.Admin.JWTIssuer)
	if issuer == "" {
		issuer = defaultAdminIssuer
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		header := c.GetHeader("Authorization")
		raw := strings.TrimPrefix(header, bearerPrefix)
		if header == "" || raw == header || strings.TrimSpace(raw) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := &adminClaims{}
		token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := adminActorPrefix + subject
		c.Set(contextActorKey, actor)
		c.Set(contextAdminRole, strings.TrimSpace(claims.Role))
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin", subject))
		c.Next()
	}
}

// SignAdminToken issues a token AdminAuthRequired accepts. Used by the CLI
// and tests.
func SignAdminToken(secret, issuer, subject, role string, claims jwt.RegisteredClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("admin jwt secret is empty")
	}
	if issuer == "" {
		issuer = defaultAdminIssuer
	}
	claims.Issuer = issuer
	claims.Subject = subject
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{Role: role, RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}
