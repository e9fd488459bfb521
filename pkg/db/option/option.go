package option

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

func WithOffset(offset int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return db
		}
		return db.Offset(offset)
	})
}

// WithOrder orders by a column. The column is quoted by gorm so it cannot carry SQL.
func WithOrder(column string, desc bool) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	})
}

func WithWhere(query string, args ...any) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}

func WithForUpdate() QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	})
}

// WithUnscoped includes soft-deleted rows.
func WithUnscoped() QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Unscoped()
	})
}
