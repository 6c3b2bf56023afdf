package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

// ErrRecordScored is returned when a manual grade targets a record that already has a score.
var ErrRecordScored = errors.New("grading record already scored")

// PendingFilter narrows the pending worklist.
type PendingFilter struct {
	ExamID  *uint
	OwnerID *uint
}

// PendingKey identifies one (exam, question) group of the worklist.
type PendingKey struct {
	ExamID     uint
	QuestionID uint
	Count      int64
}

// ManualGrade is a score submitted by a grader.
type ManualGrade struct {
	SessionID    uint
	QuestionID   uint
	PointsEarned float64
	IsCorrect    bool
	GraderID     uint
	Comment      string
	GradedAt     time.Time
}

// GradeResult reports what a manual grade changed.
type GradeResult struct {
	Record        models.GradingRecord
	SessionGraded bool
	Remaining     int64
}

// GradingRepository defines persistence operations for grading records.
type GradingRepository interface {
	ListPendingKeys(ctx context.Context, filter PendingFilter, after PendingKey, limit int) ([]PendingKey, error)
	ListPendingRecords(ctx context.Context, examID, questionID uint) ([]models.GradingRecord, error)
	ListAnswers(ctx context.Context, questionID uint, sessionIDs []uint) ([]models.Answer, error)
	GetRecord(ctx context.Context, sessionID, questionID uint) (models.GradingRecord, error)
	ApplyGrade(ctx context.Context, grade ManualGrade) (GradeResult, error)
	Regrade(ctx context.Context, grade ManualGrade) (models.GradingRecord, error)
	ListHistory(ctx context.Context, sessionID, questionID uint) ([]models.GradingHistory, error)
	CountPending(ctx context.Context, filter PendingFilter) (int64, error)
}

type gradingRepository struct {
	db *gorm.DB
}

// NewGradingRepository instantiates the repository.
func NewGradingRepository(db *gorm.DB) GradingRepository {
	return &gradingRepository{db: db}
}

func (r *gradingRepository) pendingQuery(ctx context.Context, filter PendingFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&models.GradingRecord{}).
		Joins("JOIN exam_sessions ON exam_sessions.id = grading_records.session_id").
		Where("grading_records.is_correct IS NULL").
		Where("exam_sessions.state = ?", exam.StatePendingManualGrade)

	if filter.ExamID != nil {
		query = query.Where("grading_records.exam_id = ?", *filter.ExamID)
	}
	if filter.OwnerID != nil {
		query = query.Joins("JOIN exams ON exams.id = grading_records.exam_id").
			Where("exams.owner_id = ?", *filter.OwnerID)
	}
	return query
}

// ListPendingKeys returns the next page of (exam, question) groups ordered by
// exam then question, starting strictly after the given key.
func (r *gradingRepository) ListPendingKeys(ctx context.Context, filter PendingFilter, after PendingKey, limit int) ([]PendingKey, error) {
	if limit <= 0 {
		limit = 50
	}

	var keys []PendingKey
	err := r.pendingQuery(ctx, filter).
		Select("grading_records.exam_id AS exam_id, grading_records.question_id AS question_id, COUNT(*) AS count").
		Where("(grading_records.exam_id > ?) OR (grading_records.exam_id = ? AND grading_records.question_id > ?)", after.ExamID, after.ExamID, after.QuestionID).
		Group("grading_records.exam_id, grading_records.question_id").
		Order("grading_records.exam_id ASC").
		Order("grading_records.question_id ASC").
		Limit(limit).
		Scan(&keys).Error
	return keys, err
}

func (r *gradingRepository) ListPendingRecords(ctx context.Context, examID, questionID uint) ([]models.GradingRecord, error) {
	var records []models.GradingRecord
	err := r.pendingQuery(ctx, PendingFilter{ExamID: &examID}).
		Where("grading_records.question_id = ?", questionID).
		Order("grading_records.session_id ASC").
		Find(&records).Error
	return records, err
}

// ListAnswers loads the raw answers for one question across the given sessions.
func (r *gradingRepository) ListAnswers(ctx context.Context, questionID uint, sessionIDs []uint) ([]models.Answer, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	var answers []models.Answer
	err := r.db.WithContext(ctx).
		Where("question_id = ? AND session_id IN ?", questionID, sessionIDs).
		Find(&answers).Error
	return answers, err
}

func (r *gradingRepository) GetRecord(ctx context.Context, sessionID, questionID uint) (models.GradingRecord, error) {
	var record models.GradingRecord
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND question_id = ?", sessionID, questionID).
		First(&record).Error; err != nil {
		return models.GradingRecord{}, err
	}
	return record, nil
}

// ApplyGrade scores a pending record. The first write wins: the update only
// matches while the record is still unscored. When it was the last pending
// record the session moves to graded in the same transaction.
func (r *gradingRepository) ApplyGrade(ctx context.Context, grade ManualGrade) (GradeResult, error) {
	var result GradeResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&models.GradingRecord{}).
			Where("session_id = ? AND question_id = ?", grade.SessionID, grade.QuestionID).
			Where("is_correct IS NULL").
			Updates(map[string]interface{}{
				"is_correct":    grade.IsCorrect,
				"points_earned": grade.PointsEarned,
				"grader_id":     grade.GraderID,
				"comment":       grade.Comment,
				"graded_at":     grade.GradedAt,
				"auto_graded":   false,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			var existing models.GradingRecord
			if err := tx.Where("session_id = ? AND question_id = ?", grade.SessionID, grade.QuestionID).First(&existing).Error; err != nil {
				return err
			}
			return ErrRecordScored
		}

		if err := tx.Where("session_id = ? AND question_id = ?", grade.SessionID, grade.QuestionID).First(&result.Record).Error; err != nil {
			return err
		}

		if err := tx.Create(&models.GradingHistory{
			RecordID:     result.Record.ID,
			SessionID:    grade.SessionID,
			QuestionID:   grade.QuestionID,
			PointsEarned: grade.PointsEarned,
			IsCorrect:    grade.IsCorrect,
			GraderID:     grade.GraderID,
			Comment:      grade.Comment,
			GradedAt:     grade.GradedAt,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.GradingRecord{}).
			Where("session_id = ? AND is_correct IS NULL", grade.SessionID).
			Count(&result.Remaining).Error; err != nil {
			return err
		}
		if result.Remaining > 0 {
			return nil
		}

		settle := tx.Model(&models.ExamSession{}).
			Where("id = ? AND state = ?", grade.SessionID, exam.StatePendingManualGrade).
			Updates(map[string]interface{}{
				"state":     string(exam.StateGraded),
				"graded_at": grade.GradedAt,
			})
		if settle.Error != nil {
			return settle.Error
		}
		if settle.RowsAffected == 0 {
			return exam.NewInvariantViolation("session", grade.SessionID, "last pending record graded but session was not pending_manual_grade")
		}
		result.SessionGraded = true
		return nil
	})
	if err != nil {
		return GradeResult{}, err
	}
	return result, nil
}

// Regrade overwrites an already scored manual record and appends history.
func (r *gradingRepository) Regrade(ctx context.Context, grade ManualGrade) (models.GradingRecord, error) {
	var record models.GradingRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&models.GradingRecord{}).
			Where("session_id = ? AND question_id = ?", grade.SessionID, grade.QuestionID).
			Where("is_correct IS NOT NULL AND auto_graded = ?", false).
			Updates(map[string]interface{}{
				"is_correct":    grade.IsCorrect,
				"points_earned": grade.PointsEarned,
				"grader_id":     grade.GraderID,
				"comment":       grade.Comment,
				"graded_at":     grade.GradedAt,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("session_id = ? AND question_id = ?", grade.SessionID, grade.QuestionID).First(&record).Error; err != nil {
			return err
		}

		return tx.Create(&models.GradingHistory{
			RecordID:     record.ID,
			SessionID:    grade.SessionID,
			QuestionID:   grade.QuestionID,
			PointsEarned: grade.PointsEarned,
			IsCorrect:    grade.IsCorrect,
			GraderID:     grade.GraderID,
			Comment:      grade.Comment,
			Regrade:      true,
			GradedAt:     grade.GradedAt,
		}).Error
	})
	if err != nil {
		return models.GradingRecord{}, err
	}
	return record, nil
}

func (r *gradingRepository) ListHistory(ctx context.Context, sessionID, questionID uint) ([]models.GradingHistory, error) {
	var history []models.GradingHistory
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND question_id = ?", sessionID, questionID).
		Order("graded_at DESC").
		Order("id DESC").
		Find(&history).Error
	return history, err
}

func (r *gradingRepository) CountPending(ctx context.Context, filter PendingFilter) (int64, error) {
	var count int64
	err := r.pendingQuery(ctx, filter).Count(&count).Error
	return count, err
}
