// Package testutil provides the shared sqlite test database used across
// package tests, following the shape of the teacher's data/repos/testutil
// helper (DB + migrate once, Tx per test) adapted from a shared Postgres
// instance to an in-memory sqlite database that each test opens, migrates
// and closes on cleanup.
package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dsa110/contimg-ingestd/internal/domain"
)

// DB opens a fresh in-memory sqlite database migrated with every domain
// model, scoped to a single test via tb.Cleanup.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.Group{},
		&domain.SubbandFile{},
		&domain.ProductInstance{},
		&domain.PointingSample{},
	); err != nil {
		tb.Fatalf("migrate test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("underlying sql.DB: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
