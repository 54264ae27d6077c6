package db

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Open connects to driver ("mysql", "postgres" or "sqlite") at dsn.
// Unique-key violations are translated to gorm.ErrDuplicatedKey.
func Open(driver, dsn string, quiet bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	level := logger.Warn
	if quiet {
		level = logger.Silent
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite serializes writers; one connection keeps :memory: databases alive.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return conn, nil
}

// Connect opens the service database and stores it in DB.
func Connect(driver, dsn string, log *slog.Logger) error {
	conn, err := Open(driver, dsn, false)
	if err != nil {
		return err
	}
	DB = conn
	log.Info("database connected", "driver", driver)
	return nil
}

// Sync migrates every billing table.
func Sync(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&User{},
		&SubscriptionPack{},
		&PackFeature{},
		&Order{},
		&OrderSequence{},
		&CreditEntry{},
		&WebhookEvent{},
	)
}

// OpenTest returns a migrated in-memory sqlite database.
func OpenTest() (*gorm.DB, error) {
	conn, err := Open("sqlite", ":memory:", true)
	if err != nil {
		return nil, err
	}
	if err := Sync(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// IsDuplicateKey reports whether err is a unique-key violation. Drivers
// without an error translator are matched on their message.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
