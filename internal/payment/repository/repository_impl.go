package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	return r.findOne(ctx, db, `id = ? FOR UPDATE`, id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE `+where,
		args...,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter paymentdomain.ListFilter) ([]paymentdomain.Payment, error) {
	query := db.WithContext(ctx).Model(&paymentdomain.Payment{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TenantID != 0 {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.AfterID != 0 {
		query = query.Where("id < ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var payments []paymentdomain.Payment
	if err := query.Order("id DESC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) Sum(ctx context.Context, db *gorm.DB, status paymentdomain.Status, since *time.Time) (int64, decimal.Decimal, error) {
	var row struct {
		Count int64
		Total decimal.NullDecimal
	}
	query := `SELECT COUNT(1) AS count, SUM(amount) AS total FROM payments WHERE status = ?`
	args := []any{status}
	if since != nil {
		query += ` AND approved_at >= ?`
		args = append(args, *since)
	}
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&row).Error; err != nil {
		return 0, decimal.Zero, err
	}
	if !row.Total.Valid {
		return row.Count, decimal.Zero, nil
	}
	return row.Count, row.Total.Decimal, nil
}
