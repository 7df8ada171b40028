// Package store persists known host keys and credentials in SQLite.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/die-net/tabssh/internal/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB is an open tabssh database.
type DB struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string, log *logger.Logger) (*DB, error) {
	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == MemoryPath {
		// Every pooled connection would get its own empty in-memory database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&KnownHost{}, &Secret{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &DB{db: db, log: log.Component("store")}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
