package db

import (
	"fmt"

	"github.com/centrodesk/lineup/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Line{},
		&models.LineOperator{},
		&models.Operator{},
		&models.Conversation{},
		&models.WaitingQueueEntry{},
		&models.PendingMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
