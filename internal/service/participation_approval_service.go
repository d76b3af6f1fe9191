package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/observability"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
)

// Decision is either ApproveDecision or RejectDecision.
type Decision interface {
	decision()
}

// ApproveDecision approves a pending request. ForceEnroll overrides capacity and eligibility conflicts.
type ApproveDecision struct {
	ForceEnroll bool
	Notes       string
}

// RejectDecision rejects a pending request. Reason is mandatory.
type RejectDecision struct {
	Reason string
	Notes  string
}

func (ApproveDecision) decision() {}
func (RejectDecision) decision()  {}

// ParticipationApprovalService handles administrator decisions on the ledger.
type ParticipationApprovalService interface {
	Decide(ctx context.Context, principal Principal, requestID uint, decision Decision) (dto.ParticipationRequestResponse, error)
	Enroll(ctx context.Context, principal Principal, requestID uint, contact EnrollContact) (dto.ParticipationRequestResponse, error)
	Reopen(ctx context.Context, principal Principal, requestID uint) (dto.ParticipationRequestResponse, error)
	Delete(ctx context.Context, principal Principal, requestID uint) error
	List(ctx context.Context, principal Principal, req dto.ParticipationListRequest) ([]dto.ParticipationRequestResponse, error)
}

type participationApprovalService struct {
	events    repository.EventRepository
	requests  repository.ParticipationRequestRepository
	students  repository.StudentRepository
	roster    RosterService
	locker    AdmissionLocker
	publisher ParticipationPublisher
	activity  ActivityRecorder
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewParticipationApprovalService constructs the approval workflow.
func NewParticipationApprovalService(deps ParticipationDependencies, validate *validator.Validate, logger zerolog.Logger) ParticipationApprovalService {
	return &participationApprovalService{
		events:    deps.Events,
		requests:  deps.Requests,
		students:  deps.Students,
		roster:    deps.Roster,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		activity:  deps.Activity,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "participation_approval_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/schoolhub-participation/internal/service/participation_approval"),
		now:       time.Now,
	}
}

func (s *participationApprovalService) Decide(ctx context.Context, principal Principal, requestID uint, decision Decision) (dto.ParticipationRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "participation.decide", trace.WithAttributes(
		attribute.Int("request.id", int(requestID)),
		attribute.Int("user.id", int(principal.UserID)),
	))
	defer span.End()

	var (
		updated models.ParticipationRequest
		err     error
	)

	switch d := decision.(type) {
	case ApproveDecision:
		updated, err = s.approve(spanCtx, principal, requestID, d)
	case RejectDecision:
		updated, err = s.reject(spanCtx, principal, requestID, d)
	default:
		err = transitionError("unsupported decision")
	}
	if err != nil {
		recordOutcome(span, "decide", err)
		return dto.ParticipationRequestResponse{}, err
	}

	observability.ParticipationOutcomes().WithLabelValues("decide", strings.ToLower(string(updated.Status))).Inc()
	return dto.NewParticipationRequestResponse(updated), nil
}

func (s *participationApprovalService) approve(ctx context.Context, principal Principal, requestID uint, decision ApproveDecision) (models.ParticipationRequest, error) {
	request, err := s.loadAuthorized(ctx, principal, requestID)
	if err != nil {
		return models.ParticipationRequest{}, err
	}
	if err := requirePending(request); err != nil {
		return models.ParticipationRequest{}, err
	}

	var violations []Violation
	err = withAdmissionLock(ctx, s.locker, request.EventID, func() error {
		// Another admin may have decided while this call waited for the lock.
		request, err = s.loadRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := requirePending(request); err != nil {
			return err
		}

		event, err := s.events.GetByID(ctx, request.EventID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			return fmt.Errorf("load event: %w", err)
		}

		student, err := s.students.GetByID(ctx, request.StudentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStudentNotFound
			}
			return fmt.Errorf("load student: %w", err)
		}

		result, err := evaluateAdmission(ctx, s.requests, event, student.Grade, request.SchoolID, request.StudentID, request.ID, s.now(), true)
		if err != nil {
			return err
		}

		violations = result.Violations
		if len(violations) > 0 {
			countViolations(violations)
			if !decision.ForceEnroll {
				return capacityConflictError(violations)
			}
			request.ForceEnrolled = true
			request.ValidationErrors = result.Messages()
		}

		now := s.now().UTC()
		approver := principal.UserID
		request.Status = models.ParticipationStatusApproved
		request.ApprovedAt = &now
		request.ApprovedBy = &approver
		if notes := s.clean(decision.Notes); notes != "" {
			request.Notes = notes
		}

		return transitionLedger(ctx, s.requests, &request, models.ParticipationStatusPending, "approve participation request")
	})
	if err != nil {
		return models.ParticipationRequest{}, err
	}

	action := models.ActivityParticipationApproved
	metadata := map[string]interface{}{
		"event_id":  request.EventID,
		"school_id": request.SchoolID,
	}
	if request.ForceEnrolled {
		action = models.ActivityParticipationForceEnrolled
		metadata["violations"] = violations
		s.logger.Warn().
			Uint("request_id", request.ID).
			Uint("approved_by", principal.UserID).
			Strs("violations", request.ValidationErrors).
			Msg("participation request force enrolled")
	}
	s.audit(ctx, principal, action, request.ID, metadata)
	publish(ctx, s.publisher, request, FeedActionApproved)

	return request, nil
}

func (s *participationApprovalService) reject(ctx context.Context, principal Principal, requestID uint, decision RejectDecision) (models.ParticipationRequest, error) {
	request, err := s.loadAuthorized(ctx, principal, requestID)
	if err != nil {
		return models.ParticipationRequest{}, err
	}
	if err := requirePending(request); err != nil {
		return models.ParticipationRequest{}, err
	}

	reason := s.clean(decision.Reason)
	if reason == "" {
		return models.ParticipationRequest{}, ErrRejectionReasonRequired
	}

	now := s.now().UTC()
	request.Status = models.ParticipationStatusRejected
	request.RejectedAt = &now
	request.RejectionReason = reason
	if notes := s.clean(decision.Notes); notes != "" {
		request.Notes = notes
	}

	if err := transitionLedger(ctx, s.requests, &request, models.ParticipationStatusPending, "reject participation request"); err != nil {
		return models.ParticipationRequest{}, err
	}

	s.audit(ctx, principal, models.ActivityParticipationRejected, request.ID, map[string]interface{}{
		"event_id": request.EventID,
		"reason":   reason,
	})
	publish(ctx, s.publisher, request, FeedActionRejected)

	return request, nil
}

// Enroll confirms an approved seat and writes it into the roster with the school's contact details.
func (s *participationApprovalService) Enroll(ctx context.Context, principal Principal, requestID uint, contact EnrollContact) (dto.ParticipationRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "participation.enroll", trace.WithAttributes(attribute.Int("request.id", int(requestID))))
	defer span.End()

	request, err := s.loadAuthorized(spanCtx, principal, requestID)
	if err != nil {
		recordOutcome(span, "enroll", err)
		return dto.ParticipationRequestResponse{}, err
	}

	contact = EnrollContact{
		ContactPerson: s.clean(contact.ContactPerson),
		ContactPhone:  s.clean(contact.ContactPhone),
		Notes:         s.clean(contact.Notes),
	}

	err = withAdmissionLock(spanCtx, s.locker, request.EventID, func() error {
		request, err = s.loadRequest(spanCtx, requestID)
		if err != nil {
			return err
		}
		if request.Status != models.ParticipationStatusApproved {
			return transitionError(fmt.Sprintf("Cannot enroll a %s request", request.Status))
		}

		now := s.now().UTC()
		request.Status = models.ParticipationStatusEnrolled
		request.EnrollmentConfirmedAt = &now
		if err := transitionLedger(spanCtx, s.requests, &request, models.ParticipationStatusApproved, "enroll participation request"); err != nil {
			return err
		}

		if err := s.roster.AddSeat(spanCtx, request.EventID, request.SchoolID, request.StudentID, now, contact); err != nil {
			observability.RosterSyncFailures().WithLabelValues("enroll").Inc()
			s.logger.Error().Err(err).Uint("request_id", request.ID).Msg("roster update failed after enrollment")
		}
		return nil
	})
	if err != nil {
		recordOutcome(span, "enroll", err)
		return dto.ParticipationRequestResponse{}, err
	}

	observability.ParticipationOutcomes().WithLabelValues("enroll", "enrolled").Inc()
	s.audit(spanCtx, principal, models.ActivityParticipationEnrolled, request.ID, map[string]interface{}{
		"event_id":       request.EventID,
		"contact_person": contact.ContactPerson,
		"contact_phone":  contact.ContactPhone,
	})
	publish(spanCtx, s.publisher, request, FeedActionEnrolled)

	return dto.NewParticipationRequestResponse(request), nil
}

// Reopen returns a withdrawn request to PENDING so the student can be reconsidered.
func (s *participationApprovalService) Reopen(ctx context.Context, principal Principal, requestID uint) (dto.ParticipationRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "participation.reopen", trace.WithAttributes(attribute.Int("request.id", int(requestID))))
	defer span.End()

	request, err := s.loadAuthorized(spanCtx, principal, requestID)
	if err != nil {
		recordOutcome(span, "reopen", err)
		return dto.ParticipationRequestResponse{}, err
	}

	err = withAdmissionLock(spanCtx, s.locker, request.EventID, func() error {
		request, err = s.loadRequest(spanCtx, requestID)
		if err != nil {
			return err
		}
		if request.Status != models.ParticipationStatusWithdrawn {
			return transitionError(fmt.Sprintf("Cannot reopen a %s request", request.Status))
		}

		request.Status = models.ParticipationStatusPending
		request.RequestedAt = s.now().UTC()
		request.ApprovedAt = nil
		request.ApprovedBy = nil
		request.RejectedAt = nil
		request.RejectionReason = ""
		request.ForceEnrolled = false
		request.ValidationErrors = nil
		request.EnrollmentConfirmedAt = nil
		request.WithdrawnAt = nil

		return transitionLedger(spanCtx, s.requests, &request, models.ParticipationStatusWithdrawn, "reopen participation request")
	})
	if err != nil {
		recordOutcome(span, "reopen", err)
		return dto.ParticipationRequestResponse{}, err
	}

	observability.ParticipationOutcomes().WithLabelValues("reopen", "pending").Inc()
	s.audit(spanCtx, principal, models.ActivityParticipationReopened, request.ID, map[string]interface{}{
		"event_id": request.EventID,
	})
	publish(spanCtx, s.publisher, request, FeedActionReopened)

	return dto.NewParticipationRequestResponse(request), nil
}

// Delete hard-deletes one ledger row. Only the owning school admin may delete; the roster is untouched.
func (s *participationApprovalService) Delete(ctx context.Context, principal Principal, requestID uint) error {
	if !principal.Authenticated() {
		return ErrUnauthorized
	}
	if !principal.HasRole(RoleSchoolAdmin) {
		return ErrForbidden
	}

	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !principal.AdministersSchool(request.SchoolID) {
		return ErrForbidden
	}

	if err := s.requests.Delete(ctx, request.ID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRequestNotFound
		}
		return fmt.Errorf("delete participation request: %w", err)
	}

	observability.ParticipationOutcomes().WithLabelValues("delete", "deleted").Inc()
	s.audit(ctx, principal, models.ActivityParticipationDeleted, request.ID, map[string]interface{}{
		"event_id":   request.EventID,
		"student_id": request.StudentID,
		"status":     string(request.Status),
	})
	publish(ctx, s.publisher, request, FeedActionDeleted)

	return nil
}

func (s *participationApprovalService) List(ctx context.Context, principal Principal, req dto.ParticipationListRequest) ([]dto.ParticipationRequestResponse, error) {
	if !principal.Authenticated() {
		return nil, ErrUnauthorized
	}

	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if s.validator != nil {
		if err := s.validator.Struct(req); err != nil {
			return nil, ErrInvalidFilter
		}
	}

	filter := repository.ParticipationFilter{}
	switch {
	case principal.IsSuperAdmin():
	case principal.HasRole(RoleSchoolAdmin) && principal.SchoolID != nil:
		schoolID := *principal.SchoolID
		filter.SchoolID = &schoolID
	default:
		return nil, ErrForbidden
	}

	if req.EventID > 0 {
		eventID := req.EventID
		filter.EventID = &eventID
	}
	if req.Status != "" {
		status := models.ParticipationStatus(req.Status)
		filter.Status = &status
	}

	rows, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list participation requests: %w", err)
	}

	responses := make([]dto.ParticipationRequestResponse, 0, len(rows))
	orphans := 0
	for _, row := range rows {
		if row.Event.ID == 0 {
			orphans++
			continue
		}
		responses = append(responses, dto.NewParticipationRequestResponse(row))
	}

	if orphans > 0 {
		s.logger.Warn().Int("orphans", orphans).Msg("skipped participation requests whose event no longer exists")
	}

	return responses, nil
}

func (s *participationApprovalService) loadRequest(ctx context.Context, requestID uint) (models.ParticipationRequest, error) {
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ParticipationRequest{}, ErrRequestNotFound
		}
		return models.ParticipationRequest{}, fmt.Errorf("load participation request: %w", err)
	}
	return request, nil
}

// loadAuthorized loads the request and checks the caller administers its school.
func (s *participationApprovalService) loadAuthorized(ctx context.Context, principal Principal, requestID uint) (models.ParticipationRequest, error) {
	if !principal.Authenticated() {
		return models.ParticipationRequest{}, ErrUnauthorized
	}
	if !principal.IsSuperAdmin() && !principal.HasRole(RoleSchoolAdmin) {
		return models.ParticipationRequest{}, ErrForbidden
	}

	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return models.ParticipationRequest{}, err
	}

	if !principal.IsSuperAdmin() && !principal.AdministersSchool(request.SchoolID) {
		return models.ParticipationRequest{}, ErrForbidden
	}

	return request, nil
}

func (s *participationApprovalService) clean(value string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(value))
}

func (s *participationApprovalService) audit(ctx context.Context, principal Principal, action string, requestID uint, metadata map[string]interface{}) {
	if s.activity == nil {
		return
	}

	entityID := requestID
	actor := principal.actor()
	if _, err := s.activity.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: "participation_request",
		EntityID:   &entityID,
		Metadata:   metadata,
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Uint("request_id", requestID).Msg("failed to record activity")
	}
}

func requirePending(request models.ParticipationRequest) error {
	if request.Status != models.ParticipationStatusPending {
		return transitionError(fmt.Sprintf("Cannot change status of a %s request", request.Status))
	}
	return nil
}
