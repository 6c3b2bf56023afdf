package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
)

func redo(t *testing.T, engine *testEngine, actor ActivityActor, entryID uint, value interface{}) (dto.WrongbookRedoResponse, error) {
	t.Helper()

	raw, err := json.Marshal(value)
	require.NoError(t, err)
	return engine.wrongbook.Redo(context.Background(), actor.ID, entryID, dto.WrongbookRedoRequest{Answer: raw})
}

func entryFor(t *testing.T, entries []dto.WrongbookEntryResponse, questionID uint) dto.WrongbookEntryResponse {
	t.Helper()

	for _, entry := range entries {
		if entry.QuestionID == questionID {
			return entry
		}
	}
	t.Fatalf("no wrongbook entry for question %d", questionID)
	return dto.WrongbookEntryResponse{}
}

func TestWrongbookKeywordsAndFilter(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := keywordExam(t, engine)

	attempt(t, engine, student, created, "A", "A", "A")
	engine.processEvents(t)

	keywords, err := engine.wrongbook.Keywords(ctx, student.ID)
	require.NoError(t, err)
	require.Equal(t, []dto.WrongbookKeywordResponse{
		{Keyword: "arrays", OpenCount: 2},
		{Keyword: "loops", OpenCount: 1},
	}, keywords)

	loops, err := engine.wrongbook.Entries(ctx, student.ID, dto.WrongbookListRequest{Keyword: "loops"})
	require.NoError(t, err)
	require.Len(t, loops, 1)
	require.Equal(t, created.Questions[1].ID, loops[0].QuestionID)
	require.Equal(t, "Iterate an array", loops[0].Prompt)
	require.Equal(t, []string{"B"}, loops[0].Canonical)
	require.Equal(t, "A", loops[0].LastAnswer.Text)

	empty, err := engine.wrongbook.Keywords(ctx, classmate.ID)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestWrongbookRedoResolvesAndReopens(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := keywordExam(t, engine)

	attempt(t, engine, student, created, "A", "A", "A")
	engine.processEvents(t)

	entries, err := engine.wrongbook.Entries(ctx, student.ID, dto.WrongbookListRequest{})
	require.NoError(t, err)
	entry := entryFor(t, entries, created.Questions[2].ID)

	wrong, err := redo(t, engine, student, entry.ID, "B")
	require.NoError(t, err)
	require.False(t, wrong.IsCorrect)
	require.False(t, wrong.Resolved)
	require.Equal(t, 1, wrong.Attempts)
	require.Equal(t, []string{"C"}, wrong.Canonical)

	right, err := redo(t, engine, student, entry.ID, "C")
	require.NoError(t, err)
	require.True(t, right.IsCorrect)
	require.True(t, right.Resolved)
	require.Equal(t, 2, right.Attempts)
	require.Equal(t, 1.0, right.PointsEarned)

	open, err := engine.wrongbook.Entries(ctx, student.ID, dto.WrongbookListRequest{})
	require.NoError(t, err)
	require.Len(t, open, 1)

	stored, err := engine.wrongbook.Get(ctx, student.ID, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResolvedAt)
	require.Equal(t, 2, stored.Attempts)

	again, err := redo(t, engine, student, entry.ID, "D")
	require.NoError(t, err)
	require.False(t, again.Resolved)

	stored, err = engine.wrongbook.Get(ctx, student.ID, entry.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ResolvedAt)
}

func TestWrongbookRedoRejections(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	created := mixedExam(t, engine)

	submitted := submitMixed(t, engine, student, created.ID)
	_, err := engine.grading.Grade(ctx, teacher, dto.GradeRequest{
		SessionID:    submitted.Session.ID,
		QuestionID:   created.Questions[1].ID,
		PointsEarned: floatPtr(0),
	})
	require.NoError(t, err)
	engine.processEvents(t)

	entries, err := engine.wrongbook.Entries(ctx, student.ID, dto.WrongbookListRequest{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	essay := entries[0]
	require.Equal(t, string(exam.TypeShortAnswer), essay.Type)

	_, err = redo(t, engine, student, essay.ID, "Loops repeat a block")
	require.ErrorIs(t, err, exam.ErrNotGradable)

	_, err = redo(t, engine, classmate, essay.ID, "Loops repeat a block")
	require.ErrorIs(t, err, exam.ErrNotFound)

	_, err = engine.wrongbook.Get(ctx, classmate.ID, essay.ID)
	require.ErrorIs(t, err, exam.ErrNotFound)
}
