package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/tenancy/pkg/db/option"
	"gorm.io/gorm"
)

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error) {
	var rows []*T
	if err := s.scope(ctx, filter, opts).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *store[T]) FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error) {
	row := new(T)
	err := s.scope(ctx, filter, opts).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *store[T]) Create(ctx context.Context, row *T) error {
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *store[T]) Save(ctx context.Context, row *T) error {
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *store[T]) scope(ctx context.Context, filter *T, opts []option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx).Model(new(T))
	if filter != nil {
		db = db.Where(filter)
	}
	for _, opt := range opts {
		db = opt.Apply(db)
	}
	return db
}
