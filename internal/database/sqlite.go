package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectSQLite opens the embedded database file used for local durability.
func ConnectSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite serialises writers; a single connection avoids SQLITE_BUSY under concurrent callers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Connect opens the queue database for the configured driver.
func Connect(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "", "sqlite":
		return ConnectSQLite(dsn)
	case "postgres":
		return ConnectPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}
