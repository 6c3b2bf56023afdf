package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// SessionHandler exposes the attempt lifecycle.
type SessionHandler struct {
	service   service.SessionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(service service.SessionService, validate *validator.Validate, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "session_handler").Logger(),
	}
}

// Register attaches session routes. Only students take exams; graders may
// read sessions and results of exams they manage.
func (h *SessionHandler) Register(router fiber.Router) {
	student := middleware.StudentOnly

	router.Post("", middleware.WithAuth(h.start, student))
	router.Post("/resume", middleware.WithAuth(h.resume, student))
	router.Get("", middleware.WithAuth(h.list, student))
	router.Get("/:id", h.get)
	router.Put("/:id/answers", middleware.WithAuth(h.recordAnswer, student))
	router.Post("/:id/submit", middleware.WithAuth(h.submit, student))
	router.Get("/:id/result", h.result)
}

func (h *SessionHandler) parseStart(c *fiber.Ctx) (dto.StartSessionRequest, error) {
	var payload dto.StartSessionRequest
	if err := c.BodyParser(&payload); err != nil {
		return payload, err
	}
	return payload, h.validator.Struct(payload)
}

func (h *SessionHandler) start(c *fiber.Ctx) error {
	payload, err := h.parseStart(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "exam_id required")
	}

	session, err := h.service.Start(withRequestContext(c), activityActorFromContext(c), payload.ExamID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to start session")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "session started", session)
}

func (h *SessionHandler) resume(c *fiber.Ctx) error {
	payload, err := h.parseStart(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "exam_id required")
	}

	session, err := h.service.Resume(withRequestContext(c), activityActorFromContext(c), payload.ExamID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to resume session")
	}
	return utils.SendSuccess(c, "session resumed", session)
}

func (h *SessionHandler) list(c *fiber.Ctx) error {
	var req dto.SessionListRequest
	if err := c.QueryParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	sessions, err := h.service.ListForStudent(withRequestContext(c), activityActorFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list sessions")
	}
	return utils.OK(c, sessions, "sessions", fiber.Map{"count": len(sessions)})
}

func (h *SessionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	session, err := h.service.Get(withRequestContext(c), activityActorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load session")
	}
	return utils.SendSuccess(c, "session", session)
}

func (h *SessionHandler) recordAnswer(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.RecordAnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	answer, err := h.service.RecordAnswer(withRequestContext(c), activityActorFromContext(c), id, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to record answer")
	}
	return utils.SendSuccess(c, "answer recorded", answer)
}

func (h *SessionHandler) submit(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	result, err := h.service.Submit(withRequestContext(c), activityActorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to submit session")
	}
	return utils.SendSuccess(c, "session submitted", result)
}

func (h *SessionHandler) result(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	result, err := h.service.Result(withRequestContext(c), activityActorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load result")
	}
	return utils.SendSuccess(c, "session result", result)
}
