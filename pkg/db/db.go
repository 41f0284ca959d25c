package db

import (
	"fmt"

	"github.com/caesium-cloud/fleetline/internal/models"
	"github.com/caesium-cloud/fleetline/pkg/env"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database selected by the environment.
func Open() (*gorm.DB, error) {
	vars := env.Variables()
	return OpenWith(vars.DatabaseType, vars.DatabaseDSN)
}

// OpenWith connects to the given database type using dsn.
func OpenWith(databaseType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch databaseType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported database type: %q", databaseType)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// sqlite allows a single writer; share one connection to avoid SQLITE_BUSY storms.
	if databaseType != "postgres" {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	return gdb, nil
}

// Migrate applies the schema for every persisted model.
func Migrate(gdb *gorm.DB) error {
	return errors.Wrap(gdb.AutoMigrate(models.All...), "failed to migrate database")
}
