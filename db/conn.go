// Package db opens the database and keeps its schema up to date
package db

import (
	"errors"
	"fmt"
	"os"
	"time"

	"bitwise74/content-api/internal/model"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Options struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Debug  bool
	// RequireExisting refuses to create a missing SQLite file. Containers
	// set it so the database lives on a mounted volume.
	RequireExisting bool
}

func New(o Options) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch o.Driver {
	case "", "sqlite":
		if o.RequireExisting {
			if _, err := os.Stat(o.DSN); errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("SQLite database file not mounted, please use docker volumes to mount it to %s", o.DSN)
			}
		}

		dialector = sqlite.Open(o.DSN)
	case "postgres":
		dialector = postgres.Open(o.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver '%s'", o.Driver)
	}

	logLevel := logger.Silent
	if o.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database, %w", err)
	}

	if o.Driver == "" || o.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database handle, %w", err)
		}

		// SQLite allows a single writer, queue everything on one connection
		sqlDB.SetMaxOpenConns(1)
	}

	err = db.AutoMigrate(
		model.File{},
		model.Variant{},
		model.Quota{},
		model.ReprocessAudit{},
		model.SweepCursor{},
		model.Migration{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to automigrate tables, %w", err)
	}

	if err := applyMigrations(db, migrations); err != nil {
		return nil, err
	}

	return db, nil
}

type migration struct {
	Name string
	Up   func(tx *gorm.DB) error
}

func execSQL(stmt string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		return tx.Exec(stmt).Error
	}
}

// Statements must work on both SQLite and Postgres
var migrations = []migration{
	{
		Name: "files_org_usage_idx",
		Up:   execSQL("CREATE INDEX IF NOT EXISTS idx_files_org_usage ON files (organization_id, is_archived)"),
	},
	{
		Name: "files_owner_usage_idx",
		Up:   execSQL("CREATE INDEX IF NOT EXISTS idx_files_owner_usage ON files (owner_id, organization_id, is_archived)"),
	},
	{
		Name: "files_retention_idx",
		Up:   execSQL("CREATE INDEX IF NOT EXISTS idx_files_retention ON files (processing_status, updated_at)"),
	},
}

func applyMigrations(db *gorm.DB, list []migration) error {
	for _, m := range list {
		var count int64

		err := db.
			Model(model.Migration{}).
			Where("name = ?", m.Name).
			Count(&count).
			Error
		if err != nil {
			return fmt.Errorf("failed to check migration %s, %w", m.Name, err)
		}

		if count > 0 {
			continue
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}

			return tx.Create(&model.Migration{Name: m.Name}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s, %w", m.Name, err)
		}

		zap.L().Info("Applied migration", zap.String("name", m.Name))
	}

	return nil
}
