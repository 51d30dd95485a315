package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/smallbiznis/clinicpay/internal/migration"
)

// PostgresDSNEnv names the database used by tests that need real row locks
// and concurrent connections. Those tests skip when it is unset.
const PostgresDSNEnv = "CLINICPAY_TEST_POSTGRES_DSN"

// NewPostgresDB migrates a throwaway schema on the database named by
// PostgresDSNEnv and returns a pooled handle bound to it. The schema is
// dropped when the test ends.
func NewPostgresDB(t testing.TB, maxConns int) *gorm.DB {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(PostgresDSNEnv))
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true}

	admin, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	adminDB, err := admin.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	schema := fmt.Sprintf("clinicpay_test_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))
	if err := admin.Exec("CREATE SCHEMA " + schema).Error; err != nil {
		_ = adminDB.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_ = admin.Exec("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Error
		_ = adminDB.Close()
	})

	conn, err := gorm.Open(postgres.Open(withSearchPath(dsn, schema)), cfg)
	if err != nil {
		t.Fatalf("open postgres schema: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(maxConns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.RunMigrations(sqlDB); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return dsn + " search_path=" + schema
}
