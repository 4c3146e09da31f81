package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates the schema for all netcore tables
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&Pool{},
		&Subnet{},
		&Allocation{},
		&AllocationHistory{},
		&RadAcct{},
		&Device{},
		&ProvisioningTemplate{},
		&ProvisioningLog{},
		&ConfigurationBackup{},
		&Operator{},
		&SystemPreference{},
	); err != nil {
		return err
	}

	log.Println("Database migrations completed successfully")
	return nil
}
