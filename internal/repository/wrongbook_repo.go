package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// WrongbookFilter narrows wrongbook queries.
type WrongbookFilter struct {
	StudentID       uint
	IncludeResolved bool
}

// WrongbookRepository persists wrongbook entries and their redo attempts.
type WrongbookRepository interface {
	List(ctx context.Context, filter WrongbookFilter) ([]models.WrongbookEntry, error)
	GetByID(ctx context.Context, id uint) (models.WrongbookEntry, error)
	RecordAttempt(ctx context.Context, entry *models.WrongbookEntry, attempt *models.WrongbookAttempt) error
	ListAttempts(ctx context.Context, entryID uint) ([]models.WrongbookAttempt, error)
}

type wrongbookRepository struct {
	db *gorm.DB
}

// NewWrongbookRepository instantiates the repository.
func NewWrongbookRepository(db *gorm.DB) WrongbookRepository {
	return &wrongbookRepository{db: db}
}

func (r *wrongbookRepository) List(ctx context.Context, filter WrongbookFilter) ([]models.WrongbookEntry, error) {
	query := r.db.WithContext(ctx).Where("student_id = ?", filter.StudentID)
	if !filter.IncludeResolved {
		query = query.Where("resolved_at IS NULL")
	}

	var entries []models.WrongbookEntry
	if err := query.Order("updated_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *wrongbookRepository) GetByID(ctx context.Context, id uint) (models.WrongbookEntry, error) {
	var entry models.WrongbookEntry
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return models.WrongbookEntry{}, err
	}
	return entry, nil
}

// RecordAttempt stores a redo attempt and the entry's new state together.
func (r *wrongbookRepository) RecordAttempt(ctx context.Context, entry *models.WrongbookEntry, attempt *models.WrongbookAttempt) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(attempt).Error; err != nil {
			return err
		}
		return tx.Model(&models.WrongbookEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"answer":      entry.Answer,
				"is_correct":  entry.IsCorrect,
				"attempts":    gorm.Expr("attempts + 1"),
				"resolved_at": entry.ResolvedAt,
				"answered_at": attempt.AttemptedAt,
				"updated_at":  attempt.AttemptedAt,
			}).Error
	})
}

func (r *wrongbookRepository) ListAttempts(ctx context.Context, entryID uint) ([]models.WrongbookAttempt, error) {
	var attempts []models.WrongbookAttempt
	err := r.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("attempted_at DESC").
		Order("id DESC").
		Find(&attempts).Error
	return attempts, err
}
