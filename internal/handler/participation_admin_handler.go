package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/service"
	"github.com/noah-isme/schoolhub-participation/internal/utils"
)

const codeValidationError = "VALIDATION_ERROR"

// ParticipationAdminHandler exposes the review endpoints used by school and super admins.
type ParticipationAdminHandler struct {
	service   service.ParticipationApprovalService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewParticipationAdminHandler constructs the handler.
func NewParticipationAdminHandler(service service.ParticipationApprovalService, validate *validator.Validate, logger zerolog.Logger) *ParticipationAdminHandler {
	return &ParticipationAdminHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "participation_admin_handler").Logger(),
	}
}

// Register attaches the review routes to the router group.
func (h *ParticipationAdminHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Patch("", h.decide)
	router.Delete("", h.delete)
	router.Post("/:id/enroll", h.enroll)
	router.Post("/:id/reopen", h.reopen)
}

func (h *ParticipationAdminHandler) list(c *fiber.Ctx) error {
	eventID, err := parseQueryInt(c, "event")
	if err != nil || eventID < 0 {
		return utils.FailWithCode(c, fiber.StatusBadRequest, service.CodeInvalidFilter, "invalid event filter", nil)
	}

	req := dto.ParticipationListRequest{
		EventID: uint(eventID),
		Status:  c.Query("status"),
	}

	items, err := h.service.List(requestContext(c), principalFromContext(c), req)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to list participation requests")
	}

	return utils.OK(c, items, "participation requests", fiber.Map{"total": len(items)})
}

func (h *ParticipationAdminHandler) decide(c *fiber.Ctx) error {
	var payload dto.ParticipationDecisionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, "invalid payload", nil)
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, err.Error(), nil)
	}

	var decision service.Decision
	switch strings.ToUpper(payload.Action) {
	case dto.DecisionActionApprove:
		decision = service.ApproveDecision{ForceEnroll: payload.ForceEnroll, Notes: payload.Notes}
	default:
		decision = service.RejectDecision{Reason: payload.RejectionReason, Notes: payload.Notes}
	}

	response, err := h.service.Decide(requestContext(c), principalFromContext(c), payload.RequestID, decision)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to update participation request")
	}

	return utils.SendSuccess(c, "participation request updated", response)
}

func (h *ParticipationAdminHandler) delete(c *fiber.Ctx) error {
	requestID, ok := parseUintParam(c.Query("id"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, "request id is required", nil)
	}

	if err := h.service.Delete(requestContext(c), principalFromContext(c), requestID); err != nil {
		return writeParticipationError(c, h.logger, err, "failed to delete participation request")
	}

	return utils.SendSuccess(c, "participation request deleted", fiber.Map{"id": requestID})
}

func (h *ParticipationAdminHandler) enroll(c *fiber.Ctx) error {
	requestID, ok := parseUintParam(c.Params("id"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, "invalid request id", nil)
	}

	var payload dto.EnrollParticipationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, "invalid payload", nil)
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, err.Error(), nil)
	}

	response, err := h.service.Enroll(requestContext(c), principalFromContext(c), requestID, service.EnrollContact{
		ContactPerson: payload.ContactPerson,
		ContactPhone:  payload.ContactPhone,
		Notes:         payload.Notes,
	})
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to enroll participation request")
	}

	return utils.SendSuccess(c, "participation request enrolled", response)
}

func (h *ParticipationAdminHandler) reopen(c *fiber.Ctx) error {
	requestID, ok := parseUintParam(c.Params("id"))
	if !ok {
		return utils.FailWithCode(c, fiber.StatusBadRequest, codeValidationError, "invalid request id", nil)
	}

	response, err := h.service.Reopen(requestContext(c), principalFromContext(c), requestID)
	if err != nil {
		return writeParticipationError(c, h.logger, err, "failed to reopen participation request")
	}

	return utils.SendSuccess(c, "participation request reopened", response)
}
