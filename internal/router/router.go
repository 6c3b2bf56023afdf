package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-api/internal/config"
	"github.com/noah-isme/gema-exam-api/internal/handler"
	"github.com/noah-isme/gema-exam-api/internal/middleware"
	"github.com/noah-isme/gema-exam-api/internal/observability"
)

// practiceRateLimit caps generator calls per student.
const (
	practiceRateLimit  = 5
	practiceRateWindow = time.Minute
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ExamHandler      *handler.ExamHandler
	SessionHandler   *handler.SessionHandler
	GradingHandler   *handler.GradingHandler
	AnalyticsHandler *handler.AnalyticsHandler
	WrongbookHandler *handler.WrongbookHandler
	PracticeHandler  *handler.PracticeHandler
	EventsHandler    *handler.EventsHandler
	ActivityHandler  *handler.ActivityHandler
	HealthProbes     []handler.HealthProbe
	JWTMiddleware    fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.ExamHandler != nil {
		deps.ExamHandler.Register(api.Group("/exams", jwtMiddleware))
	}

	if deps.SessionHandler != nil {
		deps.SessionHandler.Register(api.Group("/sessions", jwtMiddleware))
	}

	staff := middleware.RequireRole(middleware.RoleTeacher, middleware.RoleAdmin)
	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(api.Group("/grading", jwtMiddleware, staff))
	}
	if deps.AnalyticsHandler != nil {
		deps.AnalyticsHandler.RegisterStaff(api.Group("/analytics/students", jwtMiddleware, staff))
	}

	student := api.Group("/student", jwtMiddleware, middleware.RequireRole(middleware.RoleStudent))
	if deps.AnalyticsHandler != nil {
		deps.AnalyticsHandler.RegisterStudent(student.Group("/analytics"))
	}
	if deps.WrongbookHandler != nil {
		deps.WrongbookHandler.Register(student.Group("/wrongbook"))
	}
	if deps.PracticeHandler != nil {
		practice := student.Group("/practice", middleware.RateLimit("practice", practiceRateLimit, practiceRateWindow))
		deps.PracticeHandler.Register(practice)
	}
	if deps.EventsHandler != nil {
		deps.EventsHandler.Register(student.Group("/events"))
	}

	if deps.ActivityHandler != nil {
		deps.ActivityHandler.Register(api.Group("/activity", jwtMiddleware, middleware.RequireRole(middleware.RoleAdmin)))
	}
}
