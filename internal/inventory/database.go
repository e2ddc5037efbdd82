package inventory

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes a new GORM database connection and runs auto-migrations.
func NewDatabase(dsn string, log logr.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// WAL lets the read side run while a commit holds the write lock.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	log.Info("running database migrations", "dsn", dsn)
	if err := db.AutoMigrate(&Cluster{}, &Node{}); err != nil {
		return nil, err
	}

	log.Info("database connection established and migrations completed")
	return db, nil
}
