package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestObservabilityLogsAPIRequests(t *testing.T) {
	var buf bytes.Buffer
	app := fiber.New()
	app.Use(CorrelationID())
	app.Use(Observability(zerolog.New(&buf)))
	app.Get("/api/v1/sessions/:id", func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(7))
		return c.SendStatus(fiber.StatusNotFound)
	})
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/3", nil)
	req.Header.Set("X-Correlation-ID", "trace-me")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	line := buf.String()
	require.Contains(t, line, `"correlation_id":"trace-me"`)
	require.Contains(t, line, `"route":"/api/v1/sessions/:id"`)
	require.Contains(t, line, `"status":404`)
	require.Contains(t, line, `"user_id":7`)
	require.Contains(t, line, `"level":"warn"`)

	buf.Reset()
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Empty(t, buf.String())
}

func TestLatencyBucket(t *testing.T) {
	require.Equal(t, "<=50ms", latencyBucket(10*time.Millisecond))
	require.Equal(t, "<=1s", latencyBucket(700*time.Millisecond))
	require.Equal(t, ">5s", latencyBucket(6*time.Second))
}
