package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// WrongbookHandler exposes the student's wrongbook.
type WrongbookHandler struct {
	service service.WrongbookService
	logger  zerolog.Logger
}

// NewWrongbookHandler constructs the handler.
func NewWrongbookHandler(service service.WrongbookService, logger zerolog.Logger) *WrongbookHandler {
	return &WrongbookHandler{
		service: service,
		logger:  logger.With().Str("component", "wrongbook_handler").Logger(),
	}
}

// Register attaches wrongbook routes to the router group.
func (h *WrongbookHandler) Register(router fiber.Router) {
	router.Get("/keywords", h.keywords)
	router.Get("", h.list)
	router.Get("/:id", h.get)
	router.Post("/:id/redo", h.redo)
}

func (h *WrongbookHandler) keywords(c *fiber.Ctx) error {
	keywords, err := h.service.Keywords(withRequestContext(c), userIDFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load wrongbook keywords")
	}
	return utils.SendSuccess(c, "wrongbook keywords", keywords)
}

func (h *WrongbookHandler) list(c *fiber.Ctx) error {
	var req dto.WrongbookListRequest
	if err := c.QueryParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	entries, err := h.service.Entries(withRequestContext(c), userIDFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list wrongbook")
	}
	return utils.OK(c, entries, "wrongbook entries", fiber.Map{"count": len(entries)})
}

func (h *WrongbookHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	entry, err := h.service.Get(withRequestContext(c), userIDFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load wrongbook entry")
	}
	return utils.SendSuccess(c, "wrongbook entry", entry)
}

func (h *WrongbookHandler) redo(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	var payload dto.WrongbookRedoRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.Redo(withRequestContext(c), userIDFromContext(c), id, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to redo wrongbook entry")
	}
	return utils.SendSuccess(c, "redo graded", result)
}
