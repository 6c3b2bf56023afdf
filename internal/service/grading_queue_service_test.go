package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
)

func floatPtr(v float64) *float64 {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

// submitMixed runs the choice + short_answer attempt where the student gets
// the choice right and writes an essay.
func submitMixed(t *testing.T, engine *testEngine, actor ActivityActor, examID uint) dto.SessionResultResponse {
	t.Helper()
	ctx := context.Background()

	created, err := engine.exams.Get(ctx, examID, teacher)
	require.NoError(t, err)
	ids := questionIDs(created)

	session, err := engine.sessions.Start(ctx, actor, examID)
	require.NoError(t, err)
	require.NoError(t, engine.answer(t, actor, session.ID, ids[0], "B"))
	require.NoError(t, engine.answer(t, actor, session.ID, ids[1], "Loops repeat work"))

	result, err := engine.sessions.Submit(ctx, actor, session.ID)
	require.NoError(t, err)
	return result
}

func mixedExam(t *testing.T, engine *testEngine) dto.ExamResponse {
	t.Helper()
	return engine.createExam(t, examDoc("Mixed", 30,
		question("choice", "Pick B", 5, "B", "basics"),
		question("short_answer", "Explain loops", 5, "A loop repeats a block", "loops"),
	))
}

func collectPending(t *testing.T, engine *testEngine, actor ActivityActor, req dto.PendingListRequest) []dto.PendingGroupResponse {
	t.Helper()

	groups := make([]dto.PendingGroupResponse, 0)
	for group, err := range engine.grading.ListPending(context.Background(), actor, req) {
		require.NoError(t, err)
		groups = append(groups, group)
	}
	return groups
}

func TestManualGradingCompletesSession(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := mixedExam(t, engine)

	submitted := submitMixed(t, engine, student, created.ID)
	require.Equal(t, string(exam.StatePendingManualGrade), submitted.Session.State)
	require.Equal(t, 5.0, submitted.Score.Earned)
	require.Equal(t, 10, submitted.Score.Possible)
	require.Equal(t, 1, submitted.Score.Pending)
	require.Empty(t, engine.publisher.Events())

	groups := collectPending(t, engine, teacher, dto.PendingListRequest{})
	require.Len(t, groups, 1)
	require.Equal(t, created.Questions[1].ID, groups[0].QuestionID)
	require.Equal(t, []string{"A loop repeats a block"}, groups[0].Reference)
	require.Len(t, groups[0].Answers, 1)
	require.Equal(t, "Loops repeat work", groups[0].Answers[0].Answer.Text)

	graded, err := engine.grading.Grade(ctx, teacher, dto.GradeRequest{
		SessionID:    submitted.Session.ID,
		QuestionID:   created.Questions[1].ID,
		PointsEarned: floatPtr(3),
		Comment:      "<b>Good</b> start",
	})
	require.NoError(t, err)
	require.Equal(t, string(exam.StateGraded), graded.SessionState)
	require.Zero(t, graded.Remaining)
	require.True(t, *graded.Record.IsCorrect)
	require.Equal(t, "Good start", graded.Record.Comment)

	result, err := engine.sessions.Result(ctx, student, submitted.Session.ID)
	require.NoError(t, err)
	require.Equal(t, string(exam.StateGraded), result.Session.State)
	require.Equal(t, 8.0, result.Score.Earned)
	require.Equal(t, 10, result.Score.Possible)
	require.Zero(t, result.Score.Pending)

	published := engine.publisher.Events()
	require.Len(t, published, 1)
	require.Equal(t, submitted.Session.ID, published[0].SessionID)

	require.Empty(t, collectPending(t, engine, teacher, dto.PendingListRequest{}))
}

func TestGradeRejectsInvalidScores(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := mixedExam(t, engine)
	submitted := submitMixed(t, engine, student, created.ID)

	req := dto.GradeRequest{SessionID: submitted.Session.ID, QuestionID: created.Questions[1].ID}

	req.PointsEarned = floatPtr(6)
	_, err := engine.grading.Grade(ctx, teacher, req)
	require.ErrorIs(t, err, exam.ErrOutOfRange)

	req.PointsEarned = floatPtr(-1)
	_, err = engine.grading.Grade(ctx, teacher, req)
	require.ErrorIs(t, err, exam.ErrOutOfRange)

	req.PointsEarned = floatPtr(2)
	_, err = engine.grading.Grade(ctx, otherTeacher, req)
	require.ErrorIs(t, err, exam.ErrNotFound)

	_, err = engine.grading.Grade(ctx, teacher, dto.GradeRequest{
		SessionID:    submitted.Session.ID,
		QuestionID:   created.Questions[0].ID,
		PointsEarned: floatPtr(1),
	})
	require.ErrorIs(t, err, exam.ErrAlreadyGraded)
}

func TestGradeExplicitCorrectness(t *testing.T) {
	engine := newTestEngine(t)
	created := mixedExam(t, engine)
	submitted := submitMixed(t, engine, student, created.ID)

	graded, err := engine.grading.Grade(context.Background(), admin, dto.GradeRequest{
		SessionID:    submitted.Session.ID,
		QuestionID:   created.Questions[1].ID,
		PointsEarned: floatPtr(1),
		Correct:      boolPtr(false),
	})
	require.NoError(t, err)
	require.False(t, *graded.Record.IsCorrect)
	require.Equal(t, 1.0, *graded.Record.PointsEarned)
}

func TestConcurrentGradesOnlyOneWins(t *testing.T) {
	engine := newTestEngine(t)
	created := mixedExam(t, engine)
	submitted := submitMixed(t, engine, student, created.ID)

	req := dto.GradeRequest{
		SessionID:    submitted.Session.ID,
		QuestionID:   created.Questions[1].ID,
		PointsEarned: floatPtr(4),
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for _, grader := range []ActivityActor{teacher, admin} {
		wg.Add(1)
		go func(actor ActivityActor) {
			defer wg.Done()
			_, err := engine.grading.Grade(context.Background(), actor, req)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}(grader)
	}
	wg.Wait()

	require.Len(t, results, 2)
	conflicts := 0
	for _, err := range results {
		if errors.Is(err, exam.ErrAlreadyGraded) {
			conflicts++
			continue
		}
		require.NoError(t, err)
	}
	require.Equal(t, 1, conflicts)

	history, err := engine.grading.History(context.Background(), teacher, submitted.Session.ID, created.Questions[1].ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRegradeAppendsHistory(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := mixedExam(t, engine)
	submitted := submitMixed(t, engine, student, created.ID)

	req := dto.GradeRequest{SessionID: submitted.Session.ID, QuestionID: created.Questions[1].ID, PointsEarned: floatPtr(2)}

	_, err := engine.grading.Regrade(ctx, teacher, req)
	require.ErrorIs(t, err, exam.ErrNotGradable)

	_, err = engine.grading.Grade(ctx, teacher, req)
	require.NoError(t, err)

	req.PointsEarned = floatPtr(5)
	req.Comment = "recounted"
	updated, err := engine.grading.Regrade(ctx, teacher, req)
	require.NoError(t, err)
	require.Equal(t, 5.0, *updated.PointsEarned)

	history, err := engine.grading.History(ctx, teacher, submitted.Session.ID, created.Questions[1].ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Regrade || history[1].Regrade)

	_, err = engine.grading.Regrade(ctx, teacher, dto.GradeRequest{
		SessionID:    submitted.Session.ID,
		QuestionID:   created.Questions[0].ID,
		PointsEarned: floatPtr(1),
	})
	require.ErrorIs(t, err, exam.ErrNotGradable)
}

func TestListPendingPagesAcrossGroups(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	first := mixedExam(t, engine)
	second := mixedExam(t, engine)

	submitMixed(t, engine, student, first.ID)
	submitMixed(t, engine, classmate, first.ID)
	submitMixed(t, engine, student, second.ID)

	groups := collectPending(t, engine, teacher, dto.PendingListRequest{Limit: 1})
	require.Len(t, groups, 2)
	require.Equal(t, first.ID, groups[0].ExamID)
	require.Len(t, groups[0].Answers, 2)
	require.Equal(t, second.ID, groups[1].ExamID)

	filtered := collectPending(t, engine, teacher, dto.PendingListRequest{ExamID: &second.ID})
	require.Len(t, filtered, 1)

	require.Empty(t, collectPending(t, engine, otherTeacher, dto.PendingListRequest{}))

	count, err := engine.grading.CountPending(ctx, admin, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	// Stopping early leaves the sequence reusable.
	for range engine.grading.ListPending(ctx, teacher, dto.PendingListRequest{Limit: 1}) {
		break
	}
	require.Len(t, collectPending(t, engine, teacher, dto.PendingListRequest{}), 2)
}
