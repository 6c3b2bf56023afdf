package service

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/repository"
	"github.com/noah-isme/gema-exam-api/pkg/ai"
)

type fakeGenerator struct {
	questions []ai.GeneratedQuestion
	err       error
	requests  []ai.GenerateRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req ai.GenerateRequest) ([]ai.GeneratedQuestion, error) {
	f.requests = append(f.requests, req)
	return f.questions, f.err
}

func abcd() []ai.GeneratedOption {
	return []ai.GeneratedOption{
		{Label: "A", Text: "one"},
		{Label: "B", Text: "two"},
		{Label: "C", Text: "three"},
		{Label: "D", Text: "four"},
	}
}

func newPracticeService(engine *testEngine, generator ai.QuestionGenerator) PracticeService {
	return NewPracticeService(
		generator,
		repository.NewExamRepository(engine.db),
		repository.NewSessionRepository(engine.db),
		repository.NewWrongbookRepository(engine.db),
		engine.sessions,
		validator.New(validator.WithRequiredStructEnabled()),
		NewActivityService(engine.activity, validator.New(), testLogger()),
		PracticeConfig{},
		testLogger(),
	)
}

func TestPracticeGenerateKeepsValidQuestions(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := keywordExam(t, engine)

	attempt(t, engine, student, created, "A", "A", "A")
	engine.processEvents(t)

	generator := &fakeGenerator{questions: []ai.GeneratedQuestion{
		{Type: "choice", Prompt: "Which index is first?", Options: abcd(), Answer: ai.StringList{"A"}, Points: 5, KnowledgePoints: []string{"indexing"}},
		{Type: "choice", Prompt: "Broken key", Options: abcd(), Answer: ai.StringList{"Z"}, Points: 1},
		{Type: "short_answer", Prompt: "Describe arrays", Answer: ai.StringList{"A list"}, Points: 1},
		{Type: "multi", Prompt: "Which are arrays?", Options: abcd(), Answer: ai.StringList{"A", "C"}, Points: 2, KnowledgePoints: []string{"arrays"}},
		{Type: "choice", Prompt: "Beyond the count", Options: abcd(), Answer: ai.StringList{"B"}, Points: 1},
	}}
	practice := newPracticeService(engine, generator)

	response, err := practice.Generate(ctx, student, dto.PracticeGenerateRequest{Keyword: "arrays", Count: 2})
	require.NoError(t, err)

	require.Len(t, generator.requests, 1)
	request := generator.requests[0]
	require.Equal(t, "arrays", request.Keyword)
	require.Equal(t, 2, request.Count)
	require.Equal(t, "medium", request.Difficulty)
	require.ElementsMatch(t, []string{"choice", "multi", "fill_blank"}, request.Types)
	require.ElementsMatch(t, []string{"Iterate an array", "Array length"}, request.Examples)

	require.Equal(t, "practice", response.Exam.Kind)
	require.Equal(t, "arrays", response.Exam.Keyword)
	require.Equal(t, student.ID, response.Exam.OwnerID)
	require.Len(t, response.Exam.Questions, 2)
	for _, q := range response.Exam.Questions {
		require.Equal(t, 1, q.Points)
		require.Equal(t, "arrays", q.KnowledgePoints[0])
		require.Empty(t, q.Canonical)
	}
	require.Equal(t, []string{"arrays", "indexing"}, response.Exam.Questions[0].KnowledgePoints)
	require.Equal(t, string(exam.StateInProgress), response.Session.State)

	_, err = engine.exams.Get(ctx, response.Exam.ID, classmate)
	require.ErrorIs(t, err, exam.ErrNotFound)
	_, err = engine.sessions.Start(ctx, classmate, response.Exam.ID)
	require.ErrorIs(t, err, exam.ErrNotFound)

	mine, err := engine.exams.List(ctx, student, dto.ExamListRequest{Kind: "practice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	require.NoError(t, engine.answer(t, student, response.Session.ID, response.Exam.Questions[0].ID, "A"))
	result, err := engine.sessions.Submit(ctx, student, response.Session.ID)
	require.NoError(t, err)
	require.Equal(t, string(exam.StateGraded), result.Session.State)
	require.Equal(t, 1.0, result.Score.Earned)

	history, err := practice.History(ctx, student, dto.PracticeHistoryRequest{Keyword: "arrays"})
	require.NoError(t, err)
	require.Len(t, history, 1)

	history, err = practice.History(ctx, student, dto.PracticeHistoryRequest{Keyword: "loops"})
	require.NoError(t, err)
	require.Empty(t, history)

	require.Contains(t, engine.activity.actions(), "practice.generated")
}

func TestPracticeGenerateFailures(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	req := dto.PracticeGenerateRequest{Keyword: "loops", Count: 3}

	_, err := newPracticeService(engine, nil).Generate(ctx, student, req)
	require.ErrorIs(t, err, ErrPracticeUnavailable)

	_, err = newPracticeService(engine, &fakeGenerator{err: errors.New("upstream timeout")}).Generate(ctx, student, req)
	require.ErrorIs(t, err, ErrGenerationFailed)

	unusable := &fakeGenerator{questions: []ai.GeneratedQuestion{
		{Type: "short_answer", Prompt: "Explain", Answer: ai.StringList{"x"}, Points: 1},
		{Type: "choice", Prompt: "No options", Answer: ai.StringList{"A"}, Points: 1},
	}}
	_, err = newPracticeService(engine, unusable).Generate(ctx, student, req)
	require.ErrorIs(t, err, exam.ErrInvalidQuestionSet)

	_, err = newPracticeService(engine, unusable).Generate(ctx, student, dto.PracticeGenerateRequest{Keyword: "loops"})
	require.Error(t, err)

	practice, err := engine.exams.List(ctx, student, dto.ExamListRequest{Kind: "practice"})
	require.NoError(t, err)
	require.Empty(t, practice)
}
