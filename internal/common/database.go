package common

import (
	"fmt"

	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database connection
type Database struct {
	*gorm.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	dsn := cfg.DatabaseURL()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{DB: db}, nil
}

// Migrate runs database migrations
func (db *Database) Migrate() error {
	if err := db.AutoMigrate(
		&types.Operation{},
		&types.SequenceCounter{},
		&types.Image{},
		&types.Device{},
	); err != nil {
		return err
	}

	// Seed the operation counter so atomic increments always find a row
	counter := types.SequenceCounter{Name: types.OperationCounter, Value: 0}
	return db.Where(types.SequenceCounter{Name: types.OperationCounter}).
		FirstOrCreate(&counter).Error
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
