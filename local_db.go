package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const databaseFile = "api_mapping_assistant.db"

// InitializeDB opens the SQLite database in dir. The knowledge and assistant packages migrate their own tables.
func InitializeDB(dir string) (*gorm.DB, error) {
	// Ensure db directory exists
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	dbPath := filepath.Join(dir, databaseFile)
	db, err := openDatabase(sqlite.Open(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database %s: %w", dbPath, err)
	}
	log.Debugf("Using database %s", dbPath)
	return db, nil
}

func openDatabase(dialector gorm.Dialector) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Silent)
	if log.IsLevelEnabled(logrus.DebugLevel) {
		gormLogger = logger.Default.LogMode(logger.Info)
	}
	return gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
}
