package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// ExamHandler exposes exam authoring and browsing endpoints.
type ExamHandler struct {
	exams    service.ExamService
	sessions service.SessionService
	logger   zerolog.Logger
}

// NewExamHandler constructs the handler.
func NewExamHandler(exams service.ExamService, sessions service.SessionService, logger zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		exams:    exams,
		sessions: sessions,
		logger:   logger.With().Str("component", "exam_handler").Logger(),
	}
}

// Register attaches exam routes. Reads are open to any signed-in user;
// writes need a teacher or admin.
func (h *ExamHandler) Register(router fiber.Router) {
	staff := middleware.StaffOnly

	router.Get("", h.list)
	router.Get("/:id", h.get)
	router.Post("", middleware.WithAuth(h.create, staff))
	router.Patch("/:id", middleware.WithAuth(h.update, staff))
	router.Delete("/:id", middleware.WithAuth(h.delete, staff))
	router.Post("/:id/clone", middleware.WithAuth(h.clone, staff))
	router.Get("/:id/sessions", middleware.WithAuth(h.sessionsForExam, staff))
}

// create imports a question set document. The body is validated against the
// question set schema, so it is passed through untouched.
func (h *ExamHandler) create(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	if len(body) == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "question set required")
	}

	created, err := h.exams.Create(withRequestContext(c), activityActorFromContext(c), body)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to create exam")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "exam created", created)
}

func (h *ExamHandler) list(c *fiber.Ctx) error {
	var req dto.ExamListRequest
	if err := c.QueryParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	exams, err := h.exams.List(withRequestContext(c), activityActorFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list exams")
	}
	return utils.OK(c, exams, "exams", fiber.Map{"count": len(exams)})
}

func (h *ExamHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	found, err := h.exams.Get(withRequestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load exam")
	}
	return utils.SendSuccess(c, "exam", found)
}

func (h *ExamHandler) update(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.ExamUpdateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	updated, err := h.exams.Update(withRequestContext(c), id, activityActorFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to update exam")
	}
	return utils.SendSuccess(c, "exam updated", updated)
}

func (h *ExamHandler) delete(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	if err := h.exams.Delete(withRequestContext(c), id, activityActorFromContext(c)); err != nil {
		return sendServiceError(c, h.logger, err, "failed to delete exam")
	}
	return utils.SendSuccess(c, "exam deleted", nil)
}

func (h *ExamHandler) clone(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	cloned, err := h.exams.Clone(withRequestContext(c), id, activityActorFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to clone exam")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "exam cloned", cloned)
}

func (h *ExamHandler) sessionsForExam(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	sessions, err := h.sessions.ListForExam(withRequestContext(c), activityActorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list exam sessions")
	}
	return utils.OK(c, sessions, "exam sessions", fiber.Map{"count": len(sessions)})
}
