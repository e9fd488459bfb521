package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/smallbiznis/tenancy/internal/authorization"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"invalid id", tenantdomain.ErrInvalidTenantID, http.StatusBadRequest, "validation_error"},
		{"wrapped not found", fmt.Errorf("load: %w", paymentdomain.ErrPaymentNotFound), http.StatusNotFound, "not_found"},
		{"forbidden", authorization.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"demo seed", provisioningdomain.ErrDemoSeedForbidden, http.StatusForbidden, "forbidden"},
		{"limit", entitlementdomain.ErrPlanLimitExceeded, http.StatusForbidden, "plan_limit_exceeded"},
		{"trial used", subscriptiondomain.ErrTrialAlreadyUsed, http.StatusConflict, "trial_already_used"},
		{"not approved", invoicedomain.ErrNotApproved, http.StatusConflict, "payment_not_approved"},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"provisioning", provisioningdomain.ErrProvisioningFailure, http.StatusBadGateway, "provisioning_failure"},
		{"unknown", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.typ, payload.Type)
			assert.NotContains(t, payload.Message, "pq:")
		})
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, typ := classifyErrorForLog(errors.New("boom"))
	assert.Equal(t, "server", kind)
	assert.Equal(t, "internal_error", typ)

	kind, _ = classifyErrorForLog(tenantdomain.ErrTenantNotFound)
	assert.Equal(t, "client", kind)
}
