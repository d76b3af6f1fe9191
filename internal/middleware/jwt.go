package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/schoolhub-participation/internal/utils"
)

// Locals keys populated from verified tokens.
const (
	LocalUserID    = "user_id"
	LocalUserRole  = "user_role"
	LocalUserRoles = "user_roles"
	LocalSchoolID  = "school_id"
)

// JWTProtected returns a middleware that validates JWT bearer tokens.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := bearerToken(c)
		if tokenString == "" {
			return utils.FailWithCode(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "authorization header missing", nil)
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.FailWithCode(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.FailWithCode(c, fiber.StatusUnauthorized, "UNAUTHORIZED", "invalid token claims", nil)
		}

		if userID := extractUintClaim(claims, "sub", "user_id", "id"); userID != nil {
			c.Locals(LocalUserID, *userID)
		}
		if schoolID := extractUintClaim(claims, "school_id", "school"); schoolID != nil {
			c.Locals(LocalSchoolID, *schoolID)
		}

		roles := extractRolesFromClaims(claims)
		if len(roles) > 0 {
			c.Locals(LocalUserRole, roles[0])
			c.Locals(LocalUserRoles, roles)
		}

		return c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the token query parameter used by websocket clients.
func bearerToken(c *fiber.Ctx) string {
	authorization := strings.TrimSpace(c.Get("Authorization"))
	const bearer = "bearer "
	if len(authorization) > len(bearer) && strings.EqualFold(authorization[:len(bearer)], bearer) {
		return strings.TrimSpace(authorization[len(bearer):])
	}
	if authorization != "" {
		return ""
	}
	return strings.TrimSpace(c.Query("token"))
}

func extractUintClaim(claims jwt.MapClaims, keys ...string) *uint {
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized, err := normalizeUint(value); err == nil {
				return &normalized
			}
		}
	}

	return nil
}

func normalizeUint(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("negative identifier")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative identifier")
		}
		return uint(v), nil
	default:
		return 0, fmt.Errorf("unsupported identifier type")
	}
}

// extractRolesFromClaims merges "role" and "roles"; the first entry is the primary role.
func extractRolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	seen := make(map[string]struct{})

	add := func(role string) {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			return
		}
		if _, ok := seen[role]; ok {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}

	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			add(v)
		case []interface{}:
			for _, item := range v {
				if str, ok := item.(string); ok {
					add(str)
				}
			}
		}
	}

	return roles
}
