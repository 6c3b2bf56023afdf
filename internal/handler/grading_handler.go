package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/dto"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// GradingHandler exposes the manual grading worklist to teachers and admins.
type GradingHandler struct {
	service service.GradingQueueService
	logger  zerolog.Logger
}

// NewGradingHandler constructs the handler.
func NewGradingHandler(service service.GradingQueueService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		logger:  logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register attaches grading routes to the router group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Get("/pending", h.pending)
	router.Get("/pending/count", h.count)
	router.Post("/grade", h.grade)
	router.Post("/regrade", h.regrade)
	router.Get("/history", h.history)
}

func (h *GradingHandler) pending(c *fiber.Ctx) error {
	examID, err := parseQueryUint(c, "exam_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	req := dto.PendingListRequest{ExamID: examID, Limit: limit}
	groups := make([]dto.PendingGroupResponse, 0)
	answers := 0
	for group, err := range h.service.ListPending(withRequestContext(c), activityActorFromContext(c), req) {
		if err != nil {
			return sendServiceError(c, h.logger, err, "failed to list pending answers")
		}
		groups = append(groups, group)
		answers += len(group.Answers)
	}

	return utils.OK(c, groups, "pending answers", fiber.Map{"groups": len(groups), "answers": answers})
}

func (h *GradingHandler) count(c *fiber.Ctx) error {
	examID, err := parseQueryUint(c, "exam_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	total, err := h.service.CountPending(withRequestContext(c), activityActorFromContext(c), examID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to count pending answers")
	}
	return utils.SendSuccess(c, "pending count", fiber.Map{"pending": total})
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	var payload dto.GradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.Grade(withRequestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to grade answer")
	}
	return utils.SendSuccess(c, "answer graded", result)
}

func (h *GradingHandler) regrade(c *fiber.Ctx) error {
	var payload dto.GradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	record, err := h.service.Regrade(withRequestContext(c), activityActorFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to regrade answer")
	}
	return utils.SendSuccess(c, "answer regraded", record)
}

func (h *GradingHandler) history(c *fiber.Ctx) error {
	sessionID, err := parseQueryUint(c, "session_id")
	if err != nil || sessionID == nil {
		return utils.SendError(c, fiber.StatusBadRequest, "session_id required")
	}
	questionID, err := parseQueryUint(c, "question_id")
	if err != nil || questionID == nil {
		return utils.SendError(c, fiber.StatusBadRequest, "question_id required")
	}

	entries, err := h.service.History(withRequestContext(c), activityActorFromContext(c), *sessionID, *questionID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load grading history")
	}
	return utils.SendSuccess(c, "grading history", entries)
}
