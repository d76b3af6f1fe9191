package middleware

import (
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/schoolhub-participation/internal/utils"
)

// Auth role constants used by WithAuth helper.
const (
	AuthRoleAny     = "any"
	AuthRoleAdmin   = "admin"
	AuthRoleStudent = "student"
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth wraps a handler with basic authentication/authorization guards.
// AuthRoleAdmin accepts school admins and super admins.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}

	requireUser := opts.RequireUser
	if !requireUser && role != AuthRoleAny {
		requireUser = true
	}

	return func(c *fiber.Ctx) error {
		userID := c.Locals(LocalUserID)
		if requireUser && userID == nil {
			return utils.FailWithCode(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		}

		if role == AuthRoleAny {
			return handler(c)
		}

		roles := RolesFromLocals(c)
		switch role {
		case AuthRoleStudent:
			// Wrong role on the student surface reads as unauthenticated for that surface.
			if !slices.Contains(roles, "student") {
				return utils.FailWithCode(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "student account required", nil)
			}
		case AuthRoleAdmin:
			if !slices.Contains(roles, "school_admin") && !slices.Contains(roles, "super_admin") {
				return utils.FailWithCode(c, fiber.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
			}
		default:
			if !slices.Contains(roles, role) {
				return utils.FailWithCode(c, fiber.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
			}
		}

		return handler(c)
	}
}
