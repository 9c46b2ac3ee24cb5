package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zaqqye/proctoring_backend/internal/config"
	"github.com/zaqqye/proctoring_backend/internal/models"
)

func Connect(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{}
	if cfg.Production() {
		gormCfg.Logger = logger.Default.LogMode(logger.Warn)
	}
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// activeSessionIndex keeps at most one STARTED session per (exam, candidate).
// AutoMigrate cannot express partial indexes.
const activeSessionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_session
    ON sessions (exam_id, candidate_id) WHERE status = 'STARTED'`

func Migrate(db *gorm.DB, withEvents bool) error {
	tables := []interface{}{
		&models.User{},
		&models.Exam{},
		&models.ExamAssignment{},
		&models.Question{},
		&models.Session{},
		&models.Answer{},
		&models.AdminAction{},
	}
	if withEvents {
		tables = append(tables, &models.ProctoringEvent{})
	}
	if err := db.AutoMigrate(tables...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(activeSessionIndex).Error; err != nil {
		return fmt.Errorf("create active session index: %w", err)
	}
	return nil
}
