package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/exam"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/service"
	"github.com/noah-isme/gema-exam-api/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseQueryUint(c *fiber.Ctx, key string) (*uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, err
	}
	id := uint(parsed)
	return &id, nil
}

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	parsed, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return role
		}
	}
	return ""
}

func activityActorFromContext(c *fiber.Ctx) service.ActivityActor {
	return service.ActivityActor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func withRequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// sendServiceError maps engine errors onto the response envelope. Anything
// unrecognised is logged and reported as a 500 with the fallback message.
func sendServiceError(c *fiber.Ctx, base zerolog.Logger, err error, fallback string) error {
	var malformed *exam.MalformedAnswerError
	var violation *exam.InvariantViolation

	switch {
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.As(err, &malformed):
		return utils.Fail(c, fiber.StatusUnprocessableEntity, err.Error(), fiber.Map{
			"question_id": malformed.QuestionID,
			"reason":      malformed.Reason,
		})
	case errors.Is(err, exam.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "not found")
	case errors.Is(err, exam.ErrAlreadyActive),
		errors.Is(err, exam.ErrAlreadyGraded),
		errors.Is(err, exam.ErrExamLocked),
		errors.Is(err, exam.ErrInvalidState),
		errors.Is(err, exam.ErrNotGradable):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, exam.ErrSessionExpired):
		return utils.SendError(c, fiber.StatusGone, err.Error())
	case errors.Is(err, exam.ErrUnknownQuestion),
		errors.Is(err, exam.ErrOutOfRange),
		errors.Is(err, exam.ErrInvalidQuestionSet):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrPracticeUnavailable):
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrGenerationFailed):
		requestLogger(base, c).Warn().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusBadGateway, "practice question generation failed")
	case errors.As(err, &violation):
		requestLogger(base, c).Error().Err(err).Str("entity", violation.Entity).Uint("entity_id", violation.ID).Msg("invariant violation")
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	default:
		requestLogger(base, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
