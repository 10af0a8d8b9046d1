package database

import (
	"os"

	"github.com/evermarkets/evr-core/internal/trading"
	"github.com/evermarkets/evr-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The path comes from DATABASE_PATH, defaulting to a local file.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "evr.db"
	}
	return Open(path)
}

// Open connects to the sqlite store at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&types.Order{},
		&types.Auction{},
		&types.Product{},
		&types.ProviderProduct{},
		&trading.IdempotencyRecord{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
