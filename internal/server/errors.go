package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/authorization"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/validation"
	"gorm.io/gorm"
)

type ValidationError = validation.FieldError

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrTenantRequired     = errors.New("tenant_required")
	ErrInvalidProof       = errors.New("invalid_proof_document")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return validation.Single("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return validation.Single(field, code, message)
}

// mapError turns a domain error into a status and body. Sentinel codes are
// passed through as the error type so clients can branch on them.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalPayload()
	}

	if verrs, ok := validation.As(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  verrs,
		}
	}

	if field, ok := invalidInputField(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   field,
				Code:    err.Error(),
				Message: "invalid " + field,
			}},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, entitlementdomain.ErrPlanLimitExceeded):
		return http.StatusForbidden, errorPayload{Type: "plan_limit_exceeded", Message: "plan limit exceeded"}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authorization.ErrInvalidRole),
		errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, provisioningdomain.ErrDemoSeedForbidden):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: errorMessage(err, "forbidden")}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: errorMessage(err, "not found")}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{Type: err.Error(), Message: "conflict"}
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, tenantdomain.ErrRegistrationRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	case errors.Is(err, provisioningdomain.ErrProvisioningFailure):
		return http.StatusBadGateway, errorPayload{Type: "provisioning_failure", Message: "database provisioning failed"}
	default:
		return http.StatusInternalServerError, internalPayload()
	}
}

func internalPayload() errorPayload {
	return errorPayload{Type: "internal_error", Message: "internal server error"}
}

func errorMessage(err error, fallback string) string {
	// Only sentinel codes reach clients; wrapped messages may carry internals.
	for _, known := range []error{
		tenantdomain.ErrTenantNotFound,
		plandomain.ErrPlanNotFound,
		subscriptiondomain.ErrSubscriptionNotFound,
		paymentdomain.ErrPaymentNotFound,
		provisioningdomain.ErrDatabaseNotFound,
		provisioningdomain.ErrDemoSeedForbidden,
		entitlementdomain.ErrNoActiveSubscription,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return fallback
}

func invalidInputField(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "request", true
	case errors.Is(err, tenantdomain.ErrInvalidTenantID):
		return "tenant_id", true
	case errors.Is(err, plandomain.ErrInvalidPlanID):
		return "plan_id", true
	case errors.Is(err, subscriptiondomain.ErrInvalidSubscriptionID):
		return "subscription_id", true
	case errors.Is(err, paymentdomain.ErrInvalidPaymentID):
		return "payment_id", true
	case errors.Is(err, subscriptiondomain.ErrInvalidPaymentMethod):
		return "payment_method", true
	case errors.Is(err, entitlementdomain.ErrInvalidResource):
		return "resource", true
	case errors.Is(err, entitlementdomain.ErrInvalidQuantity):
		return "quantity", true
	case errors.Is(err, ErrInvalidProof):
		return "proof", true
	default:
		return "", false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTenantRequired),
		errors.Is(err, tenantdomain.ErrTenantNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrPlanNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, provisioningdomain.ErrDatabaseNotFound),
		errors.Is(err, entitlementdomain.ErrNoActiveSubscription),
		errors.Is(err, invoicedomain.ErrNotInvoiced),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, tenantdomain.ErrInvalidStateTransition),
		errors.Is(err, tenantdomain.ErrTenantNotDeleted),
		errors.Is(err, subscriptiondomain.ErrInvalidStateTransition),
		errors.Is(err, subscriptiondomain.ErrTrialAlreadyUsed),
		errors.Is(err, subscriptiondomain.ErrTrialNotOffered),
		errors.Is(err, subscriptiondomain.ErrCurrentSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrPaymentRequired),
		errors.Is(err, subscriptiondomain.ErrPaymentTenantMismatch),
		errors.Is(err, paymentdomain.ErrInvalidStateTransition),
		errors.Is(err, paymentdomain.ErrNotGatewayPayment),
		errors.Is(err, paymentdomain.ErrNothingToPurchase),
		errors.Is(err, plandomain.ErrPlanInactive),
		errors.Is(err, invoicedomain.ErrNotApproved),
		errors.Is(err, provisioningdomain.ErrNotProvisioned),
		errors.Is(err, provisioningdomain.ErrRetryNotAllowed),
		errors.Is(err, provisioningdomain.ErrProvisioningInFlight),
		errors.Is(err, provisioningdomain.ErrUnsupportedDialect):
		return true
	default:
		return false
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	default:
		return "client", payload.Type
	}
}
