package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/events"
)

const eventsPingInterval = 30 * time.Second

// EventSubscriber hands out per-student graded event streams.
type EventSubscriber interface {
	Subscribe(studentID uint) (<-chan events.SessionGraded, func())
}

// EventsHandler streams graded notifications over a websocket.
type EventsHandler struct {
	subscriber EventSubscriber
	logger     zerolog.Logger
}

// NewEventsHandler constructs the handler.
func NewEventsHandler(subscriber EventSubscriber, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		subscriber: subscriber,
		logger:     logger.With().Str("component", "events_handler").Logger(),
	}
}

// Register binds the websocket upgrade under the router group.
func (h *EventsHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *EventsHandler) handleConnection(conn *websocket.Conn) {
	studentID, _ := conn.Locals("user_id").(uint)
	if studentID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	stream, cancel := h.subscriber.Subscribe(studentID)
	defer cancel()

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info().Uint("student_id", studentID).Msg("events websocket connected")
	defer h.logger.Info().Uint("student_id", studentID).Msg("events websocket disconnected")

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := conn.WriteJSON(fiber.Map{"type": "session.graded", "data": event}); err != nil {
				h.logger.Warn().Err(err).Uint("student_id", studentID).Msg("failed to push graded event")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
