package middleware

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/schoolhub-participation/internal/utils"
)

// RequireRole ensures that the authenticated user holds one of the allowed roles, as primary or secondary role.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		for _, role := range RolesFromLocals(c) {
			if _, ok := allowed[role]; ok {
				return c.Next()
			}
		}
		return utils.FailWithCode(c, fiber.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
	}
}

// RolesFromLocals returns the primary role followed by any secondary roles.
func RolesFromLocals(c *fiber.Ctx) []string {
	roles := make([]string, 0, 2)
	if primary := normalizeRoleValue(c.Locals(LocalUserRole)); primary != "" {
		roles = append(roles, primary)
	}
	if extra, ok := c.Locals(LocalUserRoles).([]string); ok {
		for _, role := range extra {
			normalized := normalizeRoleValue(role)
			if normalized != "" && !slices.Contains(roles, normalized) {
				roles = append(roles, normalized)
			}
		}
	}
	return roles
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		if value == nil {
			return ""
		}
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
