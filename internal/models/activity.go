package models

import (
	"time"

	"gorm.io/datatypes"
)

// ActivityLog is the audit trail of exam lifecycle and grading actions.
type ActivityLog struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	ActorID       uint              `gorm:"not null;index" json:"actor_id"`
	ActorRole     string            `gorm:"size:32;not null" json:"actor_role"`
	Action        string            `gorm:"size:64;not null;index" json:"action"`
	EntityType    string            `gorm:"size:64;not null" json:"entity_type"`
	EntityID      *uint             `gorm:"index" json:"entity_id"`
	// CorrelationID ties the entry to the request that produced it.
	CorrelationID string            `gorm:"size:128;index" json:"correlation_id"`
	Metadata      datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
}

// AutoMigrateModels lists every table owned by the service.
func AutoMigrateModels() []interface{} {
	return []interface{}{
		&Exam{},
		&Question{},
		&ExamSession{},
		&Answer{},
		&GradingRecord{},
		&GradingHistory{},
		&KeywordStat{},
		&AccuracyPoint{},
		&AnalyticsReceipt{},
		&WrongbookEntry{},
		&WrongbookAttempt{},
		&ActivityLog{},
	}
}
