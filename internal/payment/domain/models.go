// Package domain contains the payment approval queue model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusCompleted, StatusRejected, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a payment may move between statuses. Only
// pending payments move; everything else is terminal.
func CanTransition(from, to Status, method Method) bool {
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	case StatusCompleted, StatusFailed:
		return method.IsAutomatic()
	default:
		return false
	}
}

type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodCash         Method = "cash"
	MethodCheque       Method = "cheque"
	MethodCard         Method = "card"
	MethodPayPal       Method = "paypal"
)

func (m Method) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodCash, MethodCheque, MethodCard, MethodPayPal:
		return true
	default:
		return false
	}
}

// IsAutomatic is true for gateway-driven methods that settle without an admin.
func (m Method) IsAutomatic() bool {
	return m == MethodCard || m == MethodPayPal
}

type Payment struct {
	ID                   snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID             snowflake.ID    `gorm:"not null;index" json:"tenant_id"`
	SubscriptionID       *snowflake.ID   `gorm:"index" json:"subscription_id,omitempty"`
	PlanID               *snowflake.ID   `json:"plan_id,omitempty"`
	Amount               decimal.Decimal `gorm:"type:numeric(20,4);not null" json:"amount"`
	Currency             string          `gorm:"type:varchar(3);not null" json:"currency"`
	PaymentMethod        Method          `gorm:"type:varchar(32);not null" json:"payment_method"`
	ReferenceNumber      *string         `gorm:"type:varchar(128)" json:"reference_number,omitempty"`
	Status               Status          `gorm:"type:varchar(16);not null;index" json:"status"`
	ProofDocumentPath    *string         `gorm:"type:text" json:"proof_document_path,omitempty"`
	Notes                *string         `gorm:"type:text" json:"notes,omitempty"`
	ApprovedAt           *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy           *string         `gorm:"type:varchar(255)" json:"approved_by,omitempty"`
	RejectionReason      *string         `gorm:"type:text" json:"rejection_reason,omitempty"`
	RejectedAt           *time.Time      `json:"rejected_at,omitempty"`
	InvoiceNumber        *string         `gorm:"type:varchar(32);uniqueIndex:ux_payments_invoice_number" json:"invoice_number,omitempty"`
	InvoicedAt           *time.Time      `json:"invoiced_at,omitempty"`
	GatewayTransactionID *string         `gorm:"type:varchar(255)" json:"gateway_transaction_id,omitempty"`
	CreatedAt            time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

// Stats is a derived read over the queue.
type Stats struct {
	PendingCount        int64           `json:"pending_count"`
	PendingAmount       decimal.Decimal `json:"pending_amount"`
	ApprovedTodayCount  int64           `json:"approved_today_count"`
	ApprovedTodayAmount decimal.Decimal `json:"approved_today_amount"`
	ApprovedMonthCount  int64           `json:"approved_month_count"`
	ApprovedMonthAmount decimal.Decimal `json:"approved_month_amount"`
}
