package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// PracticeHandler exposes generated practice sets.
type PracticeHandler struct {
	service service.PracticeService
	logger  zerolog.Logger
}

// NewPracticeHandler constructs the handler.
func NewPracticeHandler(service service.PracticeService, logger zerolog.Logger) *PracticeHandler {
	return &PracticeHandler{
		service: service,
		logger:  logger.With().Str("component", "practice_handler").Logger(),
	}
}

// Register attaches practice routes to the router group.
func (h *PracticeHandler) Register(router fiber.Router) {
	router.Post("", h.generate)
	router.Get("/history", h.history)
}

func (h *PracticeHandler) generate(c *fiber.Ctx) error {
	var payload dto.PracticeGenerateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	response, err := h.service.Generate(withRequestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to generate practice")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "practice generated", response)
}

func (h *PracticeHandler) history(c *fiber.Ctx) error {
	var req dto.PracticeHistoryRequest
	if err := c.QueryParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	sessions, err := h.service.History(withRequestContext(c), activityActorFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load practice history")
	}
	return utils.OK(c, sessions, "practice history", fiber.Map{"count": len(sessions)})
}
