package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-api/internal/database"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/models"
)

func setupExamTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:exam_repo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func seedExam(t *testing.T, db *gorm.DB, kinds ...exam.QuestionType) models.Exam {
	t.Helper()

	model := models.Exam{Title: "Seeded", DurationMinutes: 30, OwnerID: 100, Kind: models.ExamKindExam}
	for idx, kind := range kinds {
		input := exam.QuestionInput{
			Type:            string(kind),
			Prompt:          fmt.Sprintf("Question %d", idx+1),
			Points:          2,
			KnowledgePoints: []string{"seed"},
		}
		if kind == exam.TypeChoice {
			input.Options = []exam.Option{{Label: "A", Text: "a"}, {Label: "B", Text: "b"}}
			input.Canonical = []string{"A"}
		}
		q, err := exam.NewQuestion(input)
		require.NoError(t, err)
		model.Questions = append(model.Questions, models.NewQuestionModel(q, idx+1))
	}
	require.NoError(t, NewExamRepository(db).Create(context.Background(), &model))
	return model
}

func startSession(t *testing.T, repo SessionRepository, examID, studentID uint, now time.Time) models.ExamSession {
	t.Helper()

	session := models.ExamSession{
		ExamID:    examID,
		StudentID: studentID,
		State:     string(exam.StateInProgress),
		StartedAt: now,
		Deadline:  now.Add(30 * time.Minute),
	}
	require.NoError(t, repo.Create(context.Background(), &session))
	return session
}

// pendingGrader leaves every question for a human.
func pendingGrader(session models.ExamSession) ([]models.GradingRecord, exam.State, error) {
	records := make([]models.GradingRecord, 0, len(session.Exam.Questions))
	for _, q := range session.Exam.Questions {
		records = append(records, models.GradingRecord{
			SessionID:      session.ID,
			QuestionID:     q.ID,
			ExamID:         session.ExamID,
			StudentID:      session.StudentID,
			PointsPossible: q.Points,
		})
	}
	return records, exam.StatePendingManualGrade, nil
}

func TestSessionRepositoryOneActiveSession(t *testing.T) {
	db := setupExamTestDB(t)
	repo := NewSessionRepository(db)
	seeded := seedExam(t, db, exam.TypeChoice)
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

	startSession(t, repo, seeded.ID, 1, now)

	second := models.ExamSession{ExamID: seeded.ID, StudentID: 1, State: string(exam.StateInProgress), StartedAt: now, Deadline: now.Add(time.Hour)}
	require.ErrorIs(t, repo.Create(context.Background(), &second), ErrActiveSessionExists)

	other := models.ExamSession{ExamID: seeded.ID, StudentID: 2, State: string(exam.StateInProgress), StartedAt: now, Deadline: now.Add(time.Hour)}
	require.NoError(t, repo.Create(context.Background(), &other))
}

func TestSessionRepositoryFinalizeClaimsOnce(t *testing.T) {
	db := setupExamTestDB(t)
	repo := NewSessionRepository(db)
	seeded := seedExam(t, db, exam.TypeShortAnswer, exam.TypeShortAnswer)
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	session := startSession(t, repo, seeded.ID, 1, now)

	calls := 0
	grade := func(s models.ExamSession) ([]models.GradingRecord, exam.State, error) {
		calls++
		return pendingGrader(s)
	}

	claimed, err := repo.Finalize(context.Background(), session.ID, now.Add(time.Minute), false, grade)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.Finalize(context.Background(), session.ID, now.Add(2*time.Minute), true, grade)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, 1, calls)

	stored, err := repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, string(exam.StatePendingManualGrade), stored.State)
	require.False(t, stored.ForceSubmitted)
	require.Len(t, stored.Records, 2)
	require.Nil(t, stored.GradedAt)

	err = repo.SaveAnswer(context.Background(), &models.Answer{SessionID: session.ID, QuestionID: seeded.Questions[0].ID, SubmittedAt: now})
	require.ErrorIs(t, err, ErrSessionNotWritable)
}

func TestSessionRepositoryFinalizeRollsBackOnGradeError(t *testing.T) {
	db := setupExamTestDB(t)
	repo := NewSessionRepository(db)
	seeded := seedExam(t, db, exam.TypeChoice)
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	session := startSession(t, repo, seeded.ID, 1, now)

	failing := errors.New("scoring failed")
	_, err := repo.Finalize(context.Background(), session.ID, now, false, func(models.ExamSession) ([]models.GradingRecord, exam.State, error) {
		return nil, "", failing
	})
	require.ErrorIs(t, err, failing)

	stored, err := repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, string(exam.StateInProgress), stored.State)
	require.Nil(t, stored.SubmittedAt)
}

func TestSessionRepositoryListExpired(t *testing.T) {
	db := setupExamTestDB(t)
	repo := NewSessionRepository(db)
	seeded := seedExam(t, db, exam.TypeChoice)
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

	expired := startSession(t, repo, seeded.ID, 1, now.Add(-time.Hour))
	startSession(t, repo, seeded.ID, 2, now)

	ids, err := repo.ListExpired(context.Background(), now, 10)
	require.NoError(t, err)
	require.Equal(t, []uint{expired.ID}, ids)
}

func TestGradingRepositoryFirstGradeWins(t *testing.T) {
	db := setupExamTestDB(t)
	sessions := NewSessionRepository(db)
	grading := NewGradingRepository(db)
	seeded := seedExam(t, db, exam.TypeShortAnswer, exam.TypeShortAnswer)
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)
	session := startSession(t, sessions, seeded.ID, 1, now)

	_, err := sessions.Finalize(context.Background(), session.ID, now, false, pendingGrader)
	require.NoError(t, err)

	first := ManualGrade{SessionID: session.ID, QuestionID: seeded.Questions[0].ID, PointsEarned: 1, IsCorrect: true, GraderID: 100, GradedAt: now}
	result, err := grading.ApplyGrade(context.Background(), first)
	require.NoError(t, err)
	require.False(t, result.SessionGraded)
	require.Equal(t, int64(1), result.Remaining)

	late := first
	late.PointsEarned = 2
	late.GraderID = 101
	_, err = grading.ApplyGrade(context.Background(), late)
	require.ErrorIs(t, err, ErrRecordScored)

	record, err := grading.GetRecord(context.Background(), session.ID, seeded.Questions[0].ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, *record.PointsEarned)
	require.Equal(t, uint(100), *record.GraderID)

	result, err = grading.ApplyGrade(context.Background(), ManualGrade{SessionID: session.ID, QuestionID: seeded.Questions[1].ID, PointsEarned: 0, GraderID: 100, GradedAt: now})
	require.NoError(t, err)
	require.True(t, result.SessionGraded)
	require.Zero(t, result.Remaining)

	stored, err := sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, string(exam.StateGraded), stored.State)
	require.NotNil(t, stored.GradedAt)

	count, err := grading.CountPending(context.Background(), PendingFilter{})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAnalyticsRepositoryApplyOnce(t *testing.T) {
	db := setupExamTestDB(t)
	repo := NewAnalyticsRepository(db)
	now := time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

	batch := AnalyticsBatch{
		SessionID: 7,
		StudentID: 1,
		At:        now,
		Point:     models.AccuracyPoint{StudentID: 1, ExamID: 3, SessionID: 7, PointsEarned: 1, PointsPossible: 2, Ratio: 0.5, RecordedAt: now},
		Keywords:  []KeywordDelta{{Keyword: "loops", Correct: 1, Total: 2}},
	}

	applied, err := repo.Apply(context.Background(), batch)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.Apply(context.Background(), batch)
	require.NoError(t, err)
	require.False(t, applied)

	stats, err := repo.ListKeywordStats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 1, stats[0].CorrectCount)
	require.Equal(t, 2, stats[0].TotalCount)

	points, err := repo.ListAccuracyPoints(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, points, 1)

	seen, err := repo.HasReceipt(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, seen)
}
