// Package storetest opens throwaway sqlite-backed repositories for tests.
package storetest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"manifold-hub/internal/model"
	"manifold-hub/internal/store"
)

// NewRepo returns a repository on a unique in-memory database so parallel tests never
// share rows. The pool is pinned to one connection; sqlite shared-cache tables lock
// across connections.
func NewRepo(t testing.TB) (*store.Repo, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + name + "_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo, db
}

// Setting reads a numeric device setting. Settings loaded from the database decode numbers as
// json.Number.
func Setting(t testing.TB, d *model.Device, key string) float64 {
	t.Helper()
	switch v := d.Settings[key].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			t.Fatalf("setting %s: %v", key, err)
		}
		return f
	case float64:
		return v
	default:
		t.Fatalf("setting %s: unexpected %T %v", key, v, v)
		return 0
	}
}
