package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/service"
	"github.com/noah-isme/schoolhub-participation/internal/utils"
)

const livePingInterval = 30 * time.Second

// ParticipationHandler serves the event-scoped participation endpoints.
type ParticipationHandler struct {
	participation service.ParticipationService
	views         service.ParticipationViewService
	roster        service.RosterService
	feed          service.ParticipationFeed
	logger        zerolog.Logger
}

// NewParticipationHandler constructs the handler. A nil feed disables the live endpoint.
func NewParticipationHandler(participation service.ParticipationService, views service.ParticipationViewService, roster service.RosterService, feed service.ParticipationFeed, logger zerolog.Logger) *ParticipationHandler {
	return &ParticipationHandler{
		participation: participation,
		views:         views,
		roster:        roster,
		feed:          feed,
		logger:        logger.With().Str("component", "participation_handler").Logger(),
	}
}

// Register attaches the student and read-model routes. Submit and reconcile take route-level guards.
func (h *ParticipationHandler) Register(router fiber.Router, submitGuards []fiber.Handler, reconcileGuards []fiber.Handler) {
	router.Post("/:eventId/request", append(submitGuards, h.submit)...)
	router.Get("/:eventId/request", h.status)
	router.Delete("/:eventId/request", h.withdraw)
	router.Get("/:eventId/participation", h.view)
	router.Post("/:eventId/roster/reconcile", append(reconcileGuards, h.reconcile)...)

	if h.feed != nil {
		router.Use("/:eventId/live", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				c.Locals("principal", principalFromContext(c))
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		router.Get("/:eventId/live", websocket.New(h.live))
	}
}

func (h *ParticipationHandler) submit(c *fiber.Ctx) error {
	eventID, ok := parseUintParam(c.Params("eventId"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, service.CodeEventNotFound, "invalid event id", nil)
	}

	result, err := h.participation.Submit(requestContext(c), principalFromContext(c), eventID)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to submit participation request")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, result.Message, dto.SubmitParticipationResponse{
		Request:      result.Request,
		AutoApproved: result.AutoApproved,
	})
}

func (h *ParticipationHandler) status(c *fiber.Ctx) error {
	eventID, ok := parseUintParam(c.Params("eventId"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, service.CodeEventNotFound, "invalid event id", nil)
	}

	response, err := h.participation.Status(requestContext(c), principalFromContext(c), eventID)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to load participation status")
	}

	return utils.SendSuccess(c, "participation status", response)
}

func (h *ParticipationHandler) withdraw(c *fiber.Ctx) error {
	eventID, ok := parseUintParam(c.Params("eventId"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, service.CodeEventNotFound, "invalid event id", nil)
	}

	response, err := h.participation.Withdraw(requestContext(c), principalFromContext(c), eventID)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to withdraw participation request")
	}

	return utils.SendSuccess(c, "participation request withdrawn", response)
}

func (h *ParticipationHandler) view(c *fiber.Ctx) error {
	eventID, ok := parseUintParam(c.Params("eventId"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, service.CodeEventNotFound, "invalid event id", nil)
	}

	view, err := h.views.View(requestContext(c), principalFromContext(c), eventID)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to load event participation")
	}

	return utils.SendSuccess(c, "event participation", view)
}

func (h *ParticipationHandler) reconcile(c *fiber.Ctx) error {
	eventID, ok := parseUintParam(c.Params("eventId"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, service.CodeEventNotFound, "invalid event id", nil)
	}

	report, err := h.roster.Reconcile(requestContext(c), activityActorFromContext(c), eventID)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to reconcile roster")
	}

	return utils.SendSuccess(c, "roster reconciled", report)
}

func (h *ParticipationHandler) live(conn *websocket.Conn) {
	principal, _ := conn.Locals("principal").(service.Principal)
	eventID, ok := parseUintParam(conn.Params("eventId"))
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid event id"))
		_ = conn.Close()
		return
	}

	allow, scoped := liveScope(principal)
	if !allow {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "insufficient permissions"))
		_ = conn.Close()
		return
	}

	logger := h.logger.With().Uint("event_id", eventID).Uint("user_id", principal.UserID).Logger()
	messages, cleanup := h.feed.Subscribe(eventID)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Client frames are ignored; the read loop only detects disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info().Msg("participation live feed connected")
	defer logger.Info().Msg("participation live feed disconnected")

	ticker := time.NewTicker(livePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case message, open := <-messages:
			if !open {
				return
			}
			if scoped != nil && message.SchoolID != *scoped {
				continue
			}
			if err := conn.WriteJSON(message); err != nil {
				logger.Warn().Err(err).Msg("failed to write live feed message")
				return
			}
		}
	}
}

// liveScope returns whether the principal may watch the feed and, for school admins, the school filter.
func liveScope(principal service.Principal) (bool, *uint) {
	if !principal.Authenticated() {
		return false, nil
	}
	if principal.IsSuperAdmin() {
		return true, nil
	}
	if principal.HasRole(service.RoleSchoolAdmin) && principal.SchoolID != nil {
		return true, principal.SchoolID
	}
	return false, nil
}
