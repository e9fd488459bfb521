// Package domain contains invoice numbering for approved payments.
package domain

import (
	"context"
	"errors"
	"io"
	"time"

	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"gorm.io/gorm"
)

// InvoiceSequence is the per-bucket row numbering transactions lock on.
type InvoiceSequence struct {
	Bucket    string    `gorm:"primaryKey;type:varchar(32)"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }

type Summary struct {
	Processed int `json:"processed"`
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
}

type Service interface {
	GenerateInvoiceNumber(ctx context.Context, tx *gorm.DB, approvedAt time.Time) (string, error)
	// AssignTx stamps an invoice number on an approved payment. It is a no-op
	// when the payment already has one.
	AssignTx(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) error
	GenerateInvoice(ctx context.Context, paymentID string) (*paymentdomain.Payment, error)
	GeneratePendingInvoices(ctx context.Context, limit int) (Summary, error)
	RenderPDF(ctx context.Context, paymentID string) (io.Reader, error)
}

type Repository interface {
	EnsureBucket(ctx context.Context, db *gorm.DB, bucket string, at time.Time) error
	LockBucket(ctx context.Context, db *gorm.DB, bucket string) error
	MaxNumber(ctx context.Context, db *gorm.DB, prefix string) (string, error)
	SetNumber(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error
	ListUninvoiced(ctx context.Context, db *gorm.DB, limit int) ([]paymentdomain.Payment, error)
}

var (
	ErrNotApproved = errors.New("payment_not_approved")
	ErrNotInvoiced = errors.New("payment_not_invoiced")
)
