package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "participation-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestJWTProtectedPopulatesPrincipalLocals(t *testing.T) {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))

	var (
		userID   interface{}
		schoolID interface{}
		roles    []string
	)
	app.Get("/", func(c *fiber.Ctx) error {
		userID = c.Locals(LocalUserID)
		schoolID = c.Locals(LocalSchoolID)
		roles = RolesFromLocals(c)
		return c.SendStatus(fiber.StatusOK)
	})

	token := signToken(t, jwt.MapClaims{
		"sub":       "41",
		"school_id": float64(7),
		"role":      "Student",
		"roles":     []interface{}{"student", "super_admin"},
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Equal(t, uint(41), userID)
	require.Equal(t, uint(7), schoolID)
	require.Equal(t, []string{"student", "super_admin"}, roles)
}

func TestJWTProtectedAcceptsQueryTokenForWebsocketClients(t *testing.T) {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/live", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	token := signToken(t, jwt.MapClaims{"sub": float64(3), "role": "school_admin"})
	req := httptest.NewRequest(http.MethodGet, "/live?token="+token, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestJWTProtectedRejectsInvalidTokens(t *testing.T) {
	app := fiber.New()
	app.Use(JWTProtected(testSecret))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"bad token":    "Bearer not-a-token",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}
