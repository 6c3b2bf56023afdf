package handler_test

import (
	"bytes"
	"context"
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

type stubExamService struct {
	createErr error
	updateErr error

	lastDocument []byte
	lastActor    service.ActivityActor
	lastUpdate   dto.ExamUpdateRequest
}

func (s *stubExamService) Create(_ context.Context, actor service.ActivityActor, document []byte) (dto.ExamResponse, error) {
	s.lastActor = actor
	s.lastDocument = document
	if s.createErr != nil {
		return dto.ExamResponse{}, s.createErr
	}
	return dto.ExamResponse{ID: 1, Title: "Loops", OwnerID: actor.ID}, nil
}

func (s *stubExamService) Get(_ context.Context, id uint, actor service.ActivityActor) (dto.ExamResponse, error) {
	s.lastActor = actor
	return dto.ExamResponse{ID: id}, nil
}

func (s *stubExamService) List(_ context.Context, actor service.ActivityActor, _ dto.ExamListRequest) ([]dto.ExamResponse, error) {
	s.lastActor = actor
	return []dto.ExamResponse{{ID: 1}}, nil
}

func (s *stubExamService) Update(_ context.Context, id uint, actor service.ActivityActor, req dto.ExamUpdateRequest) (dto.ExamResponse, error) {
	s.lastActor = actor
	s.lastUpdate = req
	return dto.ExamResponse{ID: id}, s.updateErr
}

func (s *stubExamService) Delete(context.Context, uint, service.ActivityActor) error {
	return nil
}

func (s *stubExamService) Clone(_ context.Context, id uint, _ service.ActivityActor) (dto.ExamResponse, error) {
	return dto.ExamResponse{ID: id + 1}, nil
}

func newExamApp(svc *stubExamService, role string) *fiber.App {
	app, group := authenticatedApp("/api/v1/exams", 100, role)
	handler.NewExamHandler(svc, &stubSessionService{}, zerolog.Nop()).Register(group)
	return app
}

func TestExamHandlerCreatePassesDocumentThrough(t *testing.T) {
	svc := &stubExamService{}
	app := newExamApp(svc, "teacher")

	document := `{"title":"Loops","duration_minutes":30,"questions":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewBufferString(document))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.JSONEq(t, document, string(svc.lastDocument))
	require.Equal(t, uint(100), svc.lastActor.ID)
}

func TestExamHandlerCreateRejectsInvalidSet(t *testing.T) {
	svc := &stubExamService{createErr: exam.ErrInvalidQuestionSet}
	app := newExamApp(svc, "admin")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewBufferString(`{"title":""}`))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestExamHandlerWritesNeedStaff(t *testing.T) {
	svc := &stubExamService{}
	app := newExamApp(svc, "student")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewBufferString(`{}`))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Nil(t, svc.lastDocument)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/exams/1", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "student", svc.lastActor.Role)
}

func TestExamHandlerUpdateLocked(t *testing.T) {
	svc := &stubExamService{updateErr: exam.ErrExamLocked}
	app := newExamApp(svc, "teacher")

	resp, err := app.Test(jsonRequest(http.MethodPatch, "/api/v1/exams/1", map[string]interface{}{"title": "Arrays"}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
	require.NotNil(t, svc.lastUpdate.Title)
	require.Equal(t, "Arrays", *svc.lastUpdate.Title)
}

func TestExamHandlerClone(t *testing.T) {
	app := newExamApp(&stubExamService{}, "teacher")

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/exams/4/clone", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
}
