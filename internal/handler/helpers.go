package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/middleware"
	"github.com/noah-isme/schoolhub-participation/internal/service"
	"github.com/noah-isme/schoolhub-participation/internal/utils"
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

func parseUintParam(raw string) (uint, bool) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || parsed == 0 {
		return 0, false
	}
	return uint(parsed), true
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals(middleware.LocalUserID); v != nil {
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
	if v := c.Locals(middleware.LocalUserRole); v != nil {
		if role, ok := v.(string); ok {
			return role
		}
	}
	return ""
}

func principalFromContext(c *fiber.Ctx) service.Principal {
	principal := service.Principal{
		UserID: userIDFromContext(c),
		Role:   userRoleFromContext(c),
		Roles:  middleware.RolesFromLocals(c),
	}
	if v, ok := c.Locals(middleware.LocalSchoolID).(uint); ok {
		schoolID := v
		principal.SchoolID = &schoolID
	}
	return principal
}

func activityActorFromContext(c *fiber.Ctx) service.ActivityActor {
	return service.ActivityActor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func requestContext(c *fiber.Ctx) context.Context {
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

// writeParticipationError maps workflow errors onto the response envelope.
func writeParticipationError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	var perr *service.ParticipationError
	if !errors.As(err, &perr) {
		requestLogger(logger, c).Error().Err(err).Msg(fallback)
		return utils.SendInternalError(c, fallback)
	}

	var details interface{}
	if len(perr.Violations) > 0 {
		details = fiber.Map{"violations": violationResponses(perr.Violations)}
	}

	return utils.FailWithCode(c, statusForKind(perr.Kind), perr.Code, perr.Message, details)
}

func statusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindUnauthorized:
		return fiber.StatusUnauthorized
	case service.KindForbidden:
		return fiber.StatusForbidden
	case service.KindNotFound:
		return fiber.StatusNotFound
	default:
		return fiber.StatusBadRequest
	}
}

func violationResponses(violations []service.Violation) []dto.ViolationResponse {
	items := make([]dto.ViolationResponse, 0, len(violations))
	for _, v := range violations {
		items = append(items, dto.ViolationResponse{
			Kind:    string(v.Kind),
			Limit:   v.Limit,
			Current: v.Current,
			Message: v.Message,
		})
	}
	return items
}
