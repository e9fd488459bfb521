package repository

import (
	"context"

	"github.com/smallbiznis/tenancy/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a generic gorm store for catalog tables that need no
// hand-written queries.
type Repository[T any] interface {
	// WithTrx binds the store to an open transaction.
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns (nil, nil) when no row matches.
	FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, row *T) error
	// Save writes every column of row, including zero values.
	Save(ctx context.Context, row *T) error
}
