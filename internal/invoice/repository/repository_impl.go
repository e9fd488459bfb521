package repository

import (
	"context"
	"database/sql"
	"time"

	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) EnsureBucket(ctx context.Context, db *gorm.DB, bucket string, at time.Time) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&invoicedomain.InvoiceSequence{Bucket: bucket, CreatedAt: at}).Error
}

func (r *repo) LockBucket(ctx context.Context, db *gorm.DB, bucket string) error {
	var locked string
	return db.WithContext(ctx).Raw(
		`SELECT bucket FROM invoice_sequences WHERE bucket = ? FOR UPDATE`,
		bucket,
	).Scan(&locked).Error
}

// MaxNumber relies on the fixed-width suffix: the lexicographic maximum is
// the numeric maximum.
func (r *repo) MaxNumber(ctx context.Context, db *gorm.DB, prefix string) (string, error) {
	var number sql.NullString
	err := db.WithContext(ctx).Raw(
		`SELECT MAX(invoice_number) FROM payments WHERE invoice_number LIKE ?`,
		prefix+"%",
	).Scan(&number).Error
	if err != nil {
		return "", err
	}
	return number.String, nil
}

func (r *repo) SetNumber(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Model(&paymentdomain.Payment{}).
		Where("id = ? AND invoice_number IS NULL", payment.ID).
		Updates(map[string]any{
			"invoice_number": payment.InvoiceNumber,
			"invoiced_at":    payment.InvoicedAt,
			"updated_at":     payment.UpdatedAt,
		}).Error
}

func (r *repo) ListUninvoiced(ctx context.Context, db *gorm.DB, limit int) ([]paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payments
		 WHERE status = ? AND invoice_number IS NULL
		 ORDER BY approved_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		paymentdomain.StatusApproved,
		limit,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
