package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/models"
)

// KeywordDelta is the contribution of one session to a keyword stat.
type KeywordDelta struct {
	Keyword string
	Correct int
	Total   int
}

// AnalyticsBatch is everything one graded session contributes to analytics.
// AnsweredAt is when the session's answers were handed in; wrongbook entries
// only move forward in that order, whatever order batches arrive in.
type AnalyticsBatch struct {
	SessionID  uint
	StudentID  uint
	Point      models.AccuracyPoint
	Keywords   []KeywordDelta
	Wrong      []models.WrongbookEntry
	Resolved   []uint
	At         time.Time
	AnsweredAt time.Time
}

// AnalyticsRepository persists mastery analytics.
type AnalyticsRepository interface {
	Apply(ctx context.Context, batch AnalyticsBatch) (bool, error)
	HasReceipt(ctx context.Context, sessionID uint) (bool, error)
	ListKeywordStats(ctx context.Context, studentID uint) ([]models.KeywordStat, error)
	ListAccuracyPoints(ctx context.Context, studentID uint) ([]models.AccuracyPoint, error)
}

type analyticsRepository struct {
	db *gorm.DB
}

// NewAnalyticsRepository instantiates the repository.
func NewAnalyticsRepository(db *gorm.DB) AnalyticsRepository {
	return &analyticsRepository{db: db}
}

// Apply writes the batch exactly once per session. The receipt insert is the
// guard: when the session was already processed it returns false and writes
// nothing else.
func (r *analyticsRepository) Apply(ctx context.Context, batch AnalyticsBatch) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		receipt := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AnalyticsReceipt{
			SessionID:   batch.SessionID,
			ProcessedAt: batch.At,
		})
		if receipt.Error != nil {
			return receipt.Error
		}
		if receipt.RowsAffected == 0 {
			return nil
		}

		point := batch.Point
		if err := tx.Create(&point).Error; err != nil {
			return err
		}

		for _, delta := range batch.Keywords {
			stat := models.KeywordStat{
				StudentID:    batch.StudentID,
				Keyword:      delta.Keyword,
				CorrectCount: delta.Correct,
				TotalCount:   delta.Total,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "student_id"}, {Name: "keyword"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"correct_count": gorm.Expr("keyword_stats.correct_count + ?", delta.Correct),
					"total_count":   gorm.Expr("keyword_stats.total_count + ?", delta.Total),
					"updated_at":    batch.At,
				}),
			}).Create(&stat).Error; err != nil {
				return err
			}
		}

		for i := range batch.Wrong {
			entry := batch.Wrong[i]
			superseded, err := correctedLater(tx, entry.StudentID, entry.QuestionID, entry.AnsweredAt)
			if err != nil {
				return err
			}
			if superseded {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "student_id"}, {Name: "question_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"exam_id", "session_id", "snapshot", "keywords", "answer", "is_correct", "resolved_at", "answered_at", "updated_at"}),
				Where:     clause.Where{Exprs: []clause.Expression{
					gorm.Expr("wrongbook_entries.answered_at < excluded.answered_at"),
				}},
			}).Create(&entry).Error; err != nil {
				return err
			}
		}

		if len(batch.Resolved) > 0 {
			if err := tx.Model(&models.WrongbookEntry{}).
				Where("student_id = ? AND question_id IN ?", batch.StudentID, batch.Resolved).
				Where("answered_at < ?", batch.AnsweredAt).
				Updates(map[string]interface{}{
					"is_correct":  true,
					"resolved_at": gorm.Expr("COALESCE(resolved_at, ?)", batch.At),
					"answered_at": batch.AnsweredAt,
					"updated_at":  batch.At,
				}).Error; err != nil {
				return err
			}
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// correctedLater reports whether an already processed session handed in after
// answeredAt got the question right. A late wrong answer must not open an
// entry in that case.
func correctedLater(tx *gorm.DB, studentID, questionID uint, answeredAt time.Time) (bool, error) {
	var count int64
	err := tx.Model(&models.GradingRecord{}).
		Joins("JOIN analytics_receipts ON analytics_receipts.session_id = grading_records.session_id").
		Joins("JOIN exam_sessions ON exam_sessions.id = grading_records.session_id").
		Where("grading_records.student_id = ? AND grading_records.question_id = ?", studentID, questionID).
		Where("grading_records.is_correct = ?", true).
		Where("exam_sessions.submitted_at > ?", answeredAt).
		Count(&count).Error
	return count > 0, err
}

func (r *analyticsRepository) HasReceipt(ctx context.Context, sessionID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.AnalyticsReceipt{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count > 0, err
}

func (r *analyticsRepository) ListKeywordStats(ctx context.Context, studentID uint) ([]models.KeywordStat, error) {
	var stats []models.KeywordStat
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("keyword ASC").
		Find(&stats).Error
	return stats, err
}

func (r *analyticsRepository) ListAccuracyPoints(ctx context.Context, studentID uint) ([]models.AccuracyPoint, error) {
	var points []models.AccuracyPoint
	err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("recorded_at ASC").
		Order("id ASC").
		Find(&points).Error
	return points, err
}
