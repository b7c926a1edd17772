package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/models"
)

// AutoMigrate creates or updates every table the service uses.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Post{},
		&models.PlatformCredential{},
		&models.PublicationTarget{},
		&models.PlatformStats{},
		&models.ErrorLog{},
		&models.MetricsSample{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
