package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/events"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/service"
)

type stubAnalyticsService struct {
	lastStudent   uint
	lastExam      uint
	lastThreshold float64
	cacheHit      bool
	err           error
}

func (s *stubAnalyticsService) Process(context.Context, events.SessionGraded) error {
	return nil
}

func (s *stubAnalyticsService) WeakKeywords(_ context.Context, studentID uint, threshold float64) ([]dto.KeywordStatResponse, error) {
	s.lastStudent = studentID
	s.lastThreshold = threshold
	return []dto.KeywordStatResponse{{Keyword: "arrays", CorrectCount: 1, TotalCount: 4}}, s.err
}

func (s *stubAnalyticsService) Overview(_ context.Context, studentID uint) (dto.AnalyticsOverviewResponse, error) {
	s.lastStudent = studentID
	return dto.AnalyticsOverviewResponse{StudentID: studentID, CacheHit: s.cacheHit}, s.err
}

func (s *stubAnalyticsService) ExamKeywordAccuracy(_ context.Context, studentID, examID uint) (dto.ExamKeywordAccuracyResponse, error) {
	s.lastStudent = studentID
	s.lastExam = examID
	return dto.ExamKeywordAccuracyResponse{ExamID: examID}, s.err
}

func TestAnalyticsHandlerOwnOverview(t *testing.T) {
	svc := &stubAnalyticsService{cacheHit: true}
	app, group := authenticatedApp("/api/v1/student/analytics", 7, "student")
	handler.NewAnalyticsHandler(svc, zerolog.Nop()).RegisterStudent(group)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/student/analytics/overview", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, true, decodeEnvelope(t, resp).Meta["cache_hit"])
	require.Equal(t, uint(7), svc.lastStudent)
}

func TestAnalyticsHandlerWeakThreshold(t *testing.T) {
	svc := &stubAnalyticsService{}
	app, group := authenticatedApp("/api/v1/student/analytics", 7, "student")
	handler.NewAnalyticsHandler(svc, zerolog.Nop()).RegisterStudent(group)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/student/analytics/weak?threshold=0.5", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, 0.5, svc.lastThreshold)

	for _, bad := range []string{"0", "1.5", "abc"} {
		resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/student/analytics/weak?threshold="+bad, nil), -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestAnalyticsHandlerStaffReadsStudent(t *testing.T) {
	svc := &stubAnalyticsService{}
	app, group := authenticatedApp("/api/v1/analytics/students", 100, "teacher")
	handler.NewAnalyticsHandler(svc, zerolog.Nop()).RegisterStaff(group)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/analytics/students/42/overview", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(42), svc.lastStudent)

	svc.lastStudent = 0
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/analytics/students/43/exams/9", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(43), svc.lastStudent)
	require.Equal(t, uint(9), svc.lastExam)

	var accuracy dto.ExamKeywordAccuracyResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &accuracy))
	require.Equal(t, uint(9), accuracy.ExamID)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/analytics/students/abc/exams/9", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAnalyticsHandlerExamNotFound(t *testing.T) {
	svc := &stubAnalyticsService{err: exam.ErrNotFound}
	app, group := authenticatedApp("/api/v1/student/analytics", 7, "student")
	handler.NewAnalyticsHandler(svc, zerolog.Nop()).RegisterStudent(group)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/student/analytics/exams/9", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

type stubWrongbookService struct {
	lastStudent uint
	lastEntry   uint
	lastList    dto.WrongbookListRequest
	redoErr     error
}

func (s *stubWrongbookService) Keywords(_ context.Context, studentID uint) ([]dto.WrongbookKeywordResponse, error) {
	s.lastStudent = studentID
	return []dto.WrongbookKeywordResponse{{Keyword: "arrays", OpenCount: 2}}, nil
}

func (s *stubWrongbookService) Entries(_ context.Context, studentID uint, req dto.WrongbookListRequest) ([]dto.WrongbookEntryResponse, error) {
	s.lastStudent = studentID
	s.lastList = req
	return []dto.WrongbookEntryResponse{{ID: 1}}, nil
}

func (s *stubWrongbookService) Get(_ context.Context, studentID, entryID uint) (dto.WrongbookEntryResponse, error) {
	s.lastStudent = studentID
	s.lastEntry = entryID
	return dto.WrongbookEntryResponse{ID: entryID}, nil
}

func (s *stubWrongbookService) Redo(_ context.Context, studentID, entryID uint, _ dto.WrongbookRedoRequest) (dto.WrongbookRedoResponse, error) {
	s.lastStudent = studentID
	s.lastEntry = entryID
	if s.redoErr != nil {
		return dto.WrongbookRedoResponse{}, s.redoErr
	}
	return dto.WrongbookRedoResponse{EntryID: entryID, IsCorrect: true, Resolved: true, Attempts: 1}, nil
}

func newWrongbookApp(svc *stubWrongbookService) *fiber.App {
	app, group := authenticatedApp("/api/v1/student/wrongbook", 7, "student")
	handler.NewWrongbookHandler(svc, zerolog.Nop()).Register(group)
	return app
}

func TestWrongbookHandlerListFilters(t *testing.T) {
	svc := &stubWrongbookService{}
	app := newWrongbookApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/student/wrongbook?keyword=arrays&include_resolved=true", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "arrays", svc.lastList.Keyword)
	require.True(t, svc.lastList.IncludeResolved)
	require.Equal(t, uint(7), svc.lastStudent)
}

func TestWrongbookHandlerKeywordsRouteIsNotAnID(t *testing.T) {
	svc := &stubWrongbookService{}
	app := newWrongbookApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/student/wrongbook/keywords", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Zero(t, svc.lastEntry)
}

func TestWrongbookHandlerRedo(t *testing.T) {
	svc := &stubWrongbookService{}
	app := newWrongbookApp(svc)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/student/wrongbook/3/redo", map[string]interface{}{"answer": "B"}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result dto.WrongbookRedoResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &result))
	require.True(t, result.Resolved)
	require.Equal(t, uint(3), svc.lastEntry)

	svc.redoErr = fmt.Errorf("redo: %w", exam.ErrNotGradable)
	resp, err = app.Test(jsonRequest(http.MethodPost, "/api/v1/student/wrongbook/3/redo", map[string]interface{}{"answer": "B"}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

type stubPracticeService struct {
	err         error
	lastActor   service.ActivityActor
	lastRequest dto.PracticeGenerateRequest
}

func (s *stubPracticeService) Generate(_ context.Context, actor service.ActivityActor, req dto.PracticeGenerateRequest) (dto.PracticeResponse, error) {
	s.lastActor = actor
	s.lastRequest = req
	if s.err != nil {
		return dto.PracticeResponse{}, s.err
	}
	return dto.PracticeResponse{Session: dto.SessionResponse{ID: 20, State: string(exam.StateInProgress)}}, nil
}

func (s *stubPracticeService) History(_ context.Context, actor service.ActivityActor, _ dto.PracticeHistoryRequest) ([]dto.SessionSummaryResponse, error) {
	s.lastActor = actor
	return nil, nil
}

func TestPracticeHandlerGenerate(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "created", status: fiber.StatusCreated},
		{name: "no generator", err: service.ErrPracticeUnavailable, status: fiber.StatusServiceUnavailable},
		{name: "generator failed", err: fmt.Errorf("%w: timeout", service.ErrGenerationFailed), status: fiber.StatusBadGateway},
		{name: "nothing usable", err: exam.ErrInvalidQuestionSet, status: fiber.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPracticeService{err: tc.err}
			app, group := authenticatedApp("/api/v1/student/practice", 7, "student")
			handler.NewPracticeHandler(svc, zerolog.Nop()).Register(group)

			resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/student/practice", map[string]interface{}{
				"keyword": "arrays", "count": 3,
			}), -1)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, "arrays", svc.lastRequest.Keyword)
			require.Equal(t, 3, svc.lastRequest.Count)
			require.Equal(t, uint(7), svc.lastActor.ID)
		})
	}
}
