// Package dbtest opens isolated in-memory SQLite databases for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a fresh database named after the test and migrates models into it.
// Row locks are stripped since SQLite has no FOR UPDATE. The pool is capped at
// one connection so transactions see a consistent in-memory database.
func Open(t testing.TB, models ...any) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("dbtest:strip_locks", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("dbtest:strip_locks_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}
	if err := db.Callback().Raw().Before("gorm:raw").Register("dbtest:strip_locks_raw", stripLocks); err != nil {
		t.Fatalf("register raw callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return db
}
