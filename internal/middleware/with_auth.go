package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-exam-api/internal/utils"
)

// Guard is a per-route access rule layered on top of a group's JWT check.
// An empty Roles list admits any authenticated caller.
type Guard struct {
	Roles          []string
	AllowAnonymous bool
}

var (
	// StudentOnly admits callers that take exams.
	StudentOnly = Guard{Roles: []string{RoleStudent}}
	// StaffOnly admits callers that author and grade exams.
	StaffOnly = Guard{Roles: []string{RoleTeacher, RoleAdmin}}
)

func (g Guard) admits(role string) bool {
	if len(g.Roles) == 0 {
		return true
	}
	for _, allowed := range g.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// WithAuth wraps a single route handler with guard. Groups that share one
// rule use RequireRole instead.
func WithAuth(handler fiber.Handler, guard Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals("user_id").(uint)
		if userID == 0 {
			if guard.AllowAnonymous {
				return handler(c)
			}
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}

		if !guard.admits(normalizeRoleValue(c.Locals("user_role"))) {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return handler(c)
	}
}
