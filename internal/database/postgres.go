package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// PoolConfig tunes the SQL connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConnectPostgres establishes a connection to the PostgreSQL database using the provided DSN.
func ConnectPostgres(dsn string, pool PoolConfig) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn must not be empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql pool: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return db, nil
}

// GormConfig returns the gorm settings shared by every dialect. Driver errors
// are translated so unique violations surface as gorm.ErrDuplicatedKey.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}
}

// Migrate creates or updates every table and the partial unique index that
// allows at most one non-terminal session per student and exam.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AutoMigrateModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	const activeSessionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_session_one_active
ON exam_sessions (student_id, exam_id)
WHERE state IN ('in_progress', 'submitted', 'pending_manual_grade')`
	if err := db.Exec(activeSessionIndex).Error; err != nil {
		return fmt.Errorf("failed to create active session index: %w", err)
	}

	return nil
}
