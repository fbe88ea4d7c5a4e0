package db

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/zimagehq/zimage/internal/gen"
)

// Connect opens the Postgres ledger connection.
func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// Migrate applies the ledger schema. The worker tolerates a ledger without
// schema (bookkeeping degrades to a no-op), so only the API runs this.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&gen.APIClient{}, &gen.Batch{}, &gen.Task{})
}
