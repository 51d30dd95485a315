package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

func Dialect(cfg Config) (gorm.Dialector, error) {
	switch cfg.Type {
	case TypePostgres:
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), nil
	case TypeSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "clinicpay.db"
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_foreign_keys=on"), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

// IsSQLite reports whether the handle talks to SQLite, which has no row locks.
func IsSQLite(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	return db.Dialector.Name() == TypeSQLite
}

// ForUpdate returns the row-lock suffix for the current dialect.
// SQLite serialises writers per database, so no clause is needed there.
func ForUpdate(db *gorm.DB) string {
	if IsSQLite(db) {
		return ""
	}
	return " FOR UPDATE"
}

// ForUpdateSkipLocked lets concurrent sweepers claim disjoint batches.
func ForUpdateSkipLocked(db *gorm.DB) string {
	if IsSQLite(db) {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}
