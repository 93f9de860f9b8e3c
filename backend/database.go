// backend/database.go
package main

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectDatabase opens the record database. Tables are migrated by their
// owners (the CAS recorder and the scan store).
func ConnectDatabase(config DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	dbType := strings.ToLower(config.Type)
	dsn := config.DSN

	switch dbType {
	case "sqlite":
		dsnWithWAL := fmt.Sprintf("%s?_pragma=journal_mode=WAL", dsn)
		dialector = sqlite.Open(dsnWithWAL)
	case "mysql":
		// user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local
		dialector = mysql.Open(dsn)
	case "postgres":
		// host=localhost user=gorm password=gorm dbname=gorm port=5432 sslmode=disable
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database (%s): %w", dbType, err)
	}

	slog.Info("connected to database", "type", dbType)
	return db, nil
}
