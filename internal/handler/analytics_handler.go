package handler

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// AnalyticsHandler exposes mastery analytics.
type AnalyticsHandler struct {
	service service.AnalyticsService
	logger  zerolog.Logger
}

// NewAnalyticsHandler constructs the handler.
func NewAnalyticsHandler(service service.AnalyticsService, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		service: service,
		logger:  logger.With().Str("component", "analytics_handler").Logger(),
	}
}

// RegisterStudent attaches the signed-in student's own analytics.
func (h *AnalyticsHandler) RegisterStudent(router fiber.Router) {
	router.Get("/overview", h.ownOverview)
	router.Get("/weak", h.ownWeak)
	router.Get("/exams/:id", h.ownExam)
}

// RegisterStaff lets teachers and admins look at any student's analytics.
func (h *AnalyticsHandler) RegisterStaff(router fiber.Router) {
	router.Get("/:studentId/overview", h.studentOverview)
	router.Get("/:studentId/weak", h.studentWeak)
	router.Get("/:studentId/exams/:id", h.studentExam)
}

func (h *AnalyticsHandler) ownOverview(c *fiber.Ctx) error {
	return h.overview(c, userIDFromContext(c))
}

func (h *AnalyticsHandler) ownWeak(c *fiber.Ctx) error {
	return h.weak(c, userIDFromContext(c))
}

func (h *AnalyticsHandler) studentOverview(c *fiber.Ctx) error {
	studentID, err := parseUintParam(c, "studentId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid student id")
	}
	return h.overview(c, studentID)
}

func (h *AnalyticsHandler) studentWeak(c *fiber.Ctx) error {
	studentID, err := parseUintParam(c, "studentId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid student id")
	}
	return h.weak(c, studentID)
}

func (h *AnalyticsHandler) overview(c *fiber.Ctx, studentID uint) error {
	response, err := h.service.Overview(withRequestContext(c), studentID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load analytics")
	}
	return utils.OK(c, response, "analytics overview", fiber.Map{"cache_hit": response.CacheHit})
}

func (h *AnalyticsHandler) weak(c *fiber.Ctx, studentID uint) error {
	threshold := 0.0
	if raw := strings.TrimSpace(c.Query("threshold")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 || parsed > 1 {
			return utils.SendError(c, fiber.StatusBadRequest, "threshold must be in (0, 1]")
		}
		threshold = parsed
	}

	keywords, err := h.service.WeakKeywords(withRequestContext(c), studentID, threshold)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load weak keywords")
	}
	return utils.OK(c, keywords, "weak keywords", fiber.Map{"count": len(keywords)})
}

func (h *AnalyticsHandler) ownExam(c *fiber.Ctx) error {
	return h.exam(c, userIDFromContext(c))
}

func (h *AnalyticsHandler) studentExam(c *fiber.Ctx) error {
	studentID, err := parseUintParam(c, "studentId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid student id")
	}
	return h.exam(c, studentID)
}

func (h *AnalyticsHandler) exam(c *fiber.Ctx, studentID uint) error {
	examID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid identifier")
	}

	response, err := h.service.ExamKeywordAccuracy(withRequestContext(c), studentID, examID)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load exam analytics")
	}
	return utils.SendSuccess(c, "exam keyword accuracy", response)
}
