package utils

import "github.com/gofiber/fiber/v2"

// correlationLocal mirrors the key set by the correlation middleware.
const correlationLocal = "correlation_id"

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Meta          interface{} `json:"meta,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// SendSuccess answers 200 with data.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return respond(c, fiber.StatusOK, APIResponse{Success: true, Data: data, Message: message})
}

// SendSuccessWithStatus answers with data under a caller chosen status, e.g. 201 on creation.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if status == 0 {
		status = fiber.StatusOK
	}
	return respond(c, status, APIResponse{Success: true, Data: data, Message: message})
}

// OK answers 200 with data plus pagination or summary metadata.
func OK(c *fiber.Ctx, data interface{}, message string, meta interface{}) error {
	return respond(c, fiber.StatusOK, APIResponse{Success: true, Data: data, Meta: meta, Message: message})
}

// SendError answers with a bare error message.
func SendError(c *fiber.Ctx, status int, message string) error {
	return Fail(c, status, message, nil)
}

// Fail answers with an error message and machine readable details. The
// request's correlation id is echoed so clients can quote it in reports.
func Fail(c *fiber.Ctx, status int, message string, details interface{}) error {
	payload := APIResponse{Details: details, Message: message}
	if id, ok := c.Locals(correlationLocal).(string); ok {
		payload.CorrelationID = id
	}
	return respond(c, status, payload)
}

func respond(c *fiber.Ctx, status int, payload APIResponse) error {
	if payload.Message == "" {
		if payload.Success {
			payload.Message = "success"
		} else {
			payload.Message = "error"
		}
	}
	return c.Status(status).JSON(payload)
}
