package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

var (
	// ErrActiveSessionExists is returned when the student already has a non-terminal session for the exam.
	ErrActiveSessionExists = errors.New("active session exists for student and exam")
	// ErrSessionNotWritable is returned when answers are written to a session that is no longer in progress.
	ErrSessionNotWritable = errors.New("session is not accepting answers")
)

// SessionFilter narrows session queries.
type SessionFilter struct {
	StudentID *uint
	ExamID    *uint
	States    []string
	ExamKind  *string
	Keyword   *string
}

// GradeFunc computes the grading records for a session that was just claimed
// for submission. It runs inside the submit transaction.
type GradeFunc func(session models.ExamSession) ([]models.GradingRecord, exam.State, error)

// SessionRepository defines persistence operations for exam sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *models.ExamSession) error
	GetByID(ctx context.Context, id uint) (models.ExamSession, error)
	FindActive(ctx context.Context, studentID, examID uint) (models.ExamSession, error)
	List(ctx context.Context, filter SessionFilter) ([]models.ExamSession, error)
	SaveAnswer(ctx context.Context, answer *models.Answer) error
	Finalize(ctx context.Context, id uint, at time.Time, forced bool, grade GradeFunc) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uint, error)
	ListUnprocessedGraded(ctx context.Context, before time.Time, limit int) ([]models.ExamSession, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository instantiates the repository.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func sessionQuery(tx *gorm.DB) *gorm.DB {
	return tx.Model(&models.ExamSession{}).
		Preload("Exam", func(db *gorm.DB) *gorm.DB { return db.Unscoped() }).
		Preload("Exam.Questions", orderedQuestions).
		Preload("Answers").
		Preload("Records")
}

func (r *sessionRepository) Create(ctx context.Context, session *models.ExamSession) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.ExamSession{}).
			Where("student_id = ? AND exam_id = ?", session.StudentID, session.ExamID).
			Where("state IN ?", exam.ActiveStates()).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveSessionExists
		}
		return tx.Omit(clause.Associations).Create(session).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveSessionExists
	}
	return err
}

func (r *sessionRepository) GetByID(ctx context.Context, id uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := sessionQuery(r.db.WithContext(ctx)).First(&session, id).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) FindActive(ctx context.Context, studentID, examID uint) (models.ExamSession, error) {
	var session models.ExamSession
	if err := sessionQuery(r.db.WithContext(ctx)).
		Where("student_id = ? AND exam_id = ?", studentID, examID).
		Where("state IN ?", exam.ActiveStates()).
		Order("started_at DESC").
		First(&session).Error; err != nil {
		return models.ExamSession{}, err
	}
	return session, nil
}

func (r *sessionRepository) List(ctx context.Context, filter SessionFilter) ([]models.ExamSession, error) {
	query := sessionQuery(r.db.WithContext(ctx))

	if filter.StudentID != nil {
		query = query.Where("exam_sessions.student_id = ?", *filter.StudentID)
	}
	if filter.ExamID != nil {
		query = query.Where("exam_sessions.exam_id = ?", *filter.ExamID)
	}
	if len(filter.States) > 0 {
		query = query.Where("exam_sessions.state IN ?", filter.States)
	}
	if filter.ExamKind != nil || filter.Keyword != nil {
		query = query.Joins("JOIN exams ON exams.id = exam_sessions.exam_id")
		if filter.ExamKind != nil {
			query = query.Where("exams.kind = ?", *filter.ExamKind)
		}
		if filter.Keyword != nil {
			query = query.Where("exams.keyword = ?", *filter.Keyword)
		}
	}

	var sessions []models.ExamSession
	if err := query.Order("exam_sessions.started_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveAnswer overwrites the answer for (session, question) as long as the
// session is still in progress.
func (r *sessionRepository) SaveAnswer(ctx context.Context, answer *models.Answer) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		touch := tx.Model(&models.ExamSession{}).
			Where("id = ? AND state = ?", answer.SessionID, exam.StateInProgress).
			UpdateColumn("updated_at", answer.SubmittedAt)
		if touch.Error != nil {
			return touch.Error
		}
		if touch.RowsAffected == 0 {
			return ErrSessionNotWritable
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "submitted_at", "updated_at"}),
		}).Create(answer).Error
	})
}

// Finalize claims an in-progress session for submission and writes its
// grading records in one transaction. It returns false when another caller
// already moved the session out of in_progress.
func (r *sessionRepository) Finalize(ctx context.Context, id uint, at time.Time, forced bool, grade GradeFunc) (bool, error) {
	claimed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.ExamSession{}).
			Where("id = ? AND state = ?", id, exam.StateInProgress).
			Updates(map[string]interface{}{
				"state":           string(exam.StateSubmitted),
				"submitted_at":    at,
				"force_submitted": forced,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return nil
		}

		var session models.ExamSession
		if err := sessionQuery(tx).First(&session, id).Error; err != nil {
			return err
		}

		records, final, err := grade(session)
		if err != nil {
			return err
		}
		if !exam.StateSubmitted.CanTransitionTo(final) {
			return exam.NewInvariantViolation("session", id, "cannot finalize into %s", final)
		}

		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return err
			}
		}

		updates := map[string]interface{}{"state": string(final)}
		if final == exam.StateGraded {
			updates["graded_at"] = at
		}
		settle := tx.Model(&models.ExamSession{}).
			Where("id = ? AND state = ?", id, exam.StateSubmitted).
			Updates(updates)
		if settle.Error != nil {
			return settle.Error
		}
		if settle.RowsAffected == 0 {
			return exam.NewInvariantViolation("session", id, "session left submitted state during scoring")
		}

		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (r *sessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Where("state = ? AND deadline < ?", exam.StateInProgress, now).
		Order("deadline ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ListUnprocessedGraded returns graded sessions older than before that have no
// analytics receipt yet.
func (r *sessionRepository) ListUnprocessedGraded(ctx context.Context, before time.Time, limit int) ([]models.ExamSession, error) {
	if limit <= 0 {
		limit = 100
	}

	var sessions []models.ExamSession
	err := r.db.WithContext(ctx).Model(&models.ExamSession{}).
		Preload("Exam", func(db *gorm.DB) *gorm.DB { return db.Unscoped() }).
		Joins("LEFT JOIN analytics_receipts ON analytics_receipts.session_id = exam_sessions.id").
		Where("exam_sessions.state = ?", exam.StateGraded).
		Where("analytics_receipts.session_id IS NULL").
		Where("exam_sessions.graded_at < ?", before).
		Order("exam_sessions.graded_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
