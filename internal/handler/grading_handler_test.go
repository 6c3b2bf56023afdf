package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/service"
)

type stubGradingService struct {
	groups   []dto.PendingGroupResponse
	listErr  error
	gradeErr error

	lastActor service.ActivityActor
	lastList  dto.PendingListRequest
	lastGrade dto.GradeRequest
}

func (s *stubGradingService) ListPending(_ context.Context, actor service.ActivityActor, req dto.PendingListRequest) iter.Seq2[dto.PendingGroupResponse, error] {
	s.lastActor = actor
	s.lastList = req
	return func(yield func(dto.PendingGroupResponse, error) bool) {
		for _, group := range s.groups {
			if !yield(group, nil) {
				return
			}
		}
		if s.listErr != nil {
			yield(dto.PendingGroupResponse{}, s.listErr)
		}
	}
}

func (s *stubGradingService) CountPending(_ context.Context, actor service.ActivityActor, _ *uint) (int64, error) {
	s.lastActor = actor
	return 3, nil
}

func (s *stubGradingService) Grade(_ context.Context, actor service.ActivityActor, req dto.GradeRequest) (dto.GradeResponse, error) {
	s.lastActor = actor
	s.lastGrade = req
	if s.gradeErr != nil {
		return dto.GradeResponse{}, s.gradeErr
	}
	return dto.GradeResponse{
		Record:       dto.GradingRecordResponse{SessionID: req.SessionID, QuestionID: req.QuestionID, PointsEarned: req.PointsEarned},
		SessionState: string(exam.StateGraded),
	}, nil
}

func (s *stubGradingService) Regrade(_ context.Context, _ service.ActivityActor, req dto.GradeRequest) (dto.GradingRecordResponse, error) {
	s.lastGrade = req
	return dto.GradingRecordResponse{SessionID: req.SessionID, QuestionID: req.QuestionID}, s.gradeErr
}

func (s *stubGradingService) History(context.Context, service.ActivityActor, uint, uint) ([]dto.GradingHistoryResponse, error) {
	return []dto.GradingHistoryResponse{{PointsEarned: 3, IsCorrect: true, GraderID: 100}}, nil
}

func newGradingApp(svc *stubGradingService) *fiber.App {
	app, group := authenticatedApp("/api/v1/grading", 100, "teacher")
	handler.NewGradingHandler(svc, zerolog.Nop()).Register(group)
	return app
}

func TestGradingHandlerPendingCollectsGroups(t *testing.T) {
	svc := &stubGradingService{groups: []dto.PendingGroupResponse{
		{ExamID: 1, QuestionID: 2, Answers: []dto.PendingAnswerResponse{{SessionID: 5}, {SessionID: 6}}},
		{ExamID: 1, QuestionID: 3, Answers: []dto.PendingAnswerResponse{{SessionID: 5}}},
	}}
	app := newGradingApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/pending?exam_id=1&limit=2", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	payload := decodeEnvelope(t, resp)
	require.Equal(t, float64(2), payload.Meta["groups"])
	require.Equal(t, float64(3), payload.Meta["answers"])

	var groups []dto.PendingGroupResponse
	require.NoError(t, json.Unmarshal(payload.Data, &groups))
	require.Len(t, groups, 2)

	require.NotNil(t, svc.lastList.ExamID)
	require.Equal(t, uint(1), *svc.lastList.ExamID)
	require.Equal(t, 2, svc.lastList.Limit)
	require.Equal(t, uint(100), svc.lastActor.ID)
}

func TestGradingHandlerPendingEmptyIsList(t *testing.T) {
	app := newGradingApp(&stubGradingService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/pending", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[]`, string(decodeEnvelope(t, resp).Data))
}

func TestGradingHandlerPendingStopsOnError(t *testing.T) {
	svc := &stubGradingService{
		groups:  []dto.PendingGroupResponse{{ExamID: 1, QuestionID: 2}},
		listErr: errors.New("database is locked"),
	}
	app := newGradingApp(svc)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/pending", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestGradingHandlerPendingRejectsBadExamID(t *testing.T) {
	app := newGradingApp(&stubGradingService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/pending?exam_id=abc", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGradingHandlerGrade(t *testing.T) {
	svc := &stubGradingService{}
	app := newGradingApp(svc)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/grading/grade", map[string]interface{}{
		"session_id":    5,
		"question_id":   2,
		"points_earned": 3,
		"comment":       "Good start",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var graded dto.GradeResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, resp).Data, &graded))
	require.Equal(t, string(exam.StateGraded), graded.SessionState)

	require.NotNil(t, svc.lastGrade.PointsEarned)
	require.Equal(t, 3.0, *svc.lastGrade.PointsEarned)
	require.Equal(t, "Good start", svc.lastGrade.Comment)
}

func TestGradingHandlerGradeErrors(t *testing.T) {
	cases := map[error]int{
		exam.ErrOutOfRange:    fiber.StatusBadRequest,
		exam.ErrAlreadyGraded: fiber.StatusConflict,
		exam.ErrNotGradable:   fiber.StatusConflict,
		exam.ErrNotFound:      fiber.StatusNotFound,
	}

	for gradeErr, status := range cases {
		t.Run(gradeErr.Error(), func(t *testing.T) {
			app := newGradingApp(&stubGradingService{gradeErr: gradeErr})
			resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/grading/grade", map[string]interface{}{
				"session_id": 5, "question_id": 2, "points_earned": 9,
			}), -1)
			require.NoError(t, err)
			require.Equal(t, status, resp.StatusCode)
		})
	}
}

func TestGradingHandlerHistoryRequiresKeys(t *testing.T) {
	app := newGradingApp(&stubGradingService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/history?session_id=5", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/history?session_id=5&question_id=2", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestGradingHandlerCount(t *testing.T) {
	app := newGradingApp(&stubGradingService{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/grading/pending/count", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"pending":3}`, string(decodeEnvelope(t, resp).Data))
}
