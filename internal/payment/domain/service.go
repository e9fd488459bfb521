package domain

import (
	"context"
	"errors"
	"io"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
)

type SubmitRequest struct {
	TenantID          string          `json:"-"`
	SubscriptionID    string          `json:"subscription_id"`
	PlanID            string          `json:"plan_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PaymentMethod     Method          `json:"payment_method"`
	ReferenceNumber   string          `json:"reference_number"`
	Notes             string          `json:"notes"`
	ProofDocumentPath string          `json:"-"`
}

type ListRequest struct {
	pagination.Pagination
	Status   Status
	TenantID string
}

type ListResponse struct {
	Payments []Payment           `json:"payments"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*Payment, error)
	Approve(ctx context.Context, id string, approver string, notes string) (*Payment, error)
	Reject(ctx context.Context, id string, reason string) (*Payment, error)
	Cancel(ctx context.Context, id string, tenantID string) (*Payment, error)
	RecordGatewayResult(ctx context.Context, id string, transactionID string, succeeded bool) (*Payment, error)

	Get(ctx context.Context, id string) (*Payment, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Statistics(ctx context.Context) (Stats, error)
	// ExportXLSX writes matching payments as a spreadsheet.
	ExportXLSX(ctx context.Context, req ListRequest, w io.Writer) error
}

var (
	ErrPaymentNotFound        = errors.New("payment_not_found")
	ErrInvalidPaymentID       = errors.New("invalid_payment_id")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
	ErrNotGatewayPayment      = errors.New("not_gateway_payment")
	ErrNothingToPurchase      = errors.New("payment_has_no_subscription_or_plan")
)
