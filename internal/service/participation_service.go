package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/observability"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
)

const (
	messageSubmittedPending  = "Participation request submitted, awaiting approval"
	messageSubmittedEnrolled = "You have been enrolled in this event"
)

// SubmitResult describes the ledger row created by a submission.
type SubmitResult struct {
	Request      dto.ParticipationRequestSummary
	Message      string
	AutoApproved bool
}

// ParticipationService handles the student side of the participation lifecycle.
type ParticipationService interface {
	Submit(ctx context.Context, principal Principal, eventID uint) (SubmitResult, error)
	Status(ctx context.Context, principal Principal, eventID uint) (dto.OwnParticipationResponse, error)
	Withdraw(ctx context.Context, principal Principal, eventID uint) (dto.ParticipationRequestResponse, error)
}

// ParticipationDependencies groups the collaborators shared by the participation workflows.
type ParticipationDependencies struct {
	Events    repository.EventRepository
	Requests  repository.ParticipationRequestRepository
	Students  repository.StudentRepository
	Roster    RosterService
	Locker    AdmissionLocker
	Publisher ParticipationPublisher
	Activity  ActivityRecorder
}

type participationService struct {
	events    repository.EventRepository
	requests  repository.ParticipationRequestRepository
	students  repository.StudentRepository
	roster    RosterService
	locker    AdmissionLocker
	publisher ParticipationPublisher
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewParticipationService constructs the request workflow.
func NewParticipationService(deps ParticipationDependencies, logger zerolog.Logger) ParticipationService {
	return &participationService{
		events:    deps.Events,
		requests:  deps.Requests,
		students:  deps.Students,
		roster:    deps.Roster,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		logger:    logger.With().Str("component", "participation_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/schoolhub-participation/internal/service/participation"),
		now:       time.Now,
	}
}

func (s *participationService) Submit(ctx context.Context, principal Principal, eventID uint) (SubmitResult, error) {
	spanCtx, span := s.tracer.Start(ctx, "participation.submit", trace.WithAttributes(
		attribute.Int("event.id", int(eventID)),
		attribute.Int("user.id", int(principal.UserID)),
	))
	defer span.End()

	result, err := s.submit(spanCtx, principal, eventID)
	if err != nil {
		recordOutcome(span, "submit", err)
		return SubmitResult{}, err
	}

	outcome := "pending"
	if result.AutoApproved {
		outcome = "approved"
	}
	observability.ParticipationOutcomes().WithLabelValues("submit", outcome).Inc()

	return result, nil
}

func (s *participationService) submit(ctx context.Context, principal Principal, eventID uint) (SubmitResult, error) {
	if !principal.Authenticated() || !principal.HasRole(RoleStudent) {
		return SubmitResult{}, ErrUnauthorized
	}

	event, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !event.AcceptsParticipation() {
		return SubmitResult{}, ErrEventNotApproved
	}

	student, err := s.students.GetByUserID(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SubmitResult{}, ErrStudentNotFound
		}
		return SubmitResult{}, fmt.Errorf("load student profile: %w", err)
	}

	var created models.ParticipationRequest
	selfApproved := event.CreatorID == principal.UserID || principal.IsSuperAdmin()

	err = withAdmissionLock(ctx, s.locker, eventID, func() error {
		// Reload under the lock so the roster reflects writes from the previous holder.
		current, err := s.loadEvent(ctx, eventID)
		if err != nil {
			return err
		}

		decision, err := evaluateAdmission(ctx, s.requests, current, student.Grade, student.SchoolID, student.ID, 0, s.now(), false)
		if err != nil {
			return err
		}
		if first, blocked := decision.First(); blocked {
			countViolations(decision.Violations)
			return violationError(first)
		}

		existing, err := s.requests.FindByStudentAndEvent(ctx, student.ID, eventID)
		switch {
		case err == nil:
			if existing.Status == models.ParticipationStatusWithdrawn {
				return ErrAlreadyWithdrawn
			}
			return ErrDuplicateRequest
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup existing request: %w", err)
		}

		now := s.now().UTC()
		created = models.ParticipationRequest{
			StudentID:   student.ID,
			EventID:     eventID,
			SchoolID:    student.SchoolID,
			Status:      models.ParticipationStatusPending,
			RequestedAt: now,
		}
		if selfApproved {
			approver := principal.UserID
			created.Status = models.ParticipationStatusApproved
			created.ApprovedAt = &now
			created.ApprovedBy = &approver
			created.EnrollmentConfirmedAt = &now
		}

		if err := s.requests.Create(ctx, &created); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateRequest
			}
			return fmt.Errorf("create participation request: %w", err)
		}

		if created.Status.HoldsSeat() {
			s.syncRosterAdd(ctx, created, EnrollContact{}, "submit")
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.logger.Info().
		Uint("event_id", eventID).
		Uint("student_id", student.ID).
		Uint("request_id", created.ID).
		Str("status", string(created.Status)).
		Msg("participation request submitted")

	publish(ctx, s.publisher, created, FeedActionSubmitted)

	message := messageSubmittedPending
	if selfApproved {
		message = messageSubmittedEnrolled
	}

	return SubmitResult{
		Request:      dto.NewParticipationRequestSummary(created, event.Title),
		Message:      message,
		AutoApproved: selfApproved,
	}, nil
}

func (s *participationService) Status(ctx context.Context, principal Principal, eventID uint) (dto.OwnParticipationResponse, error) {
	if !principal.Authenticated() {
		return dto.OwnParticipationResponse{}, ErrUnauthorized
	}

	student, err := s.students.GetByUserID(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.OwnParticipationResponse{}, ErrStudentNotFound
		}
		return dto.OwnParticipationResponse{}, fmt.Errorf("load student profile: %w", err)
	}

	request, err := s.requests.FindByStudentAndEvent(ctx, student.ID, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.OwnParticipationResponse{}, nil
		}
		return dto.OwnParticipationResponse{}, fmt.Errorf("lookup participation request: %w", err)
	}

	status := string(request.Status)
	response := dto.NewParticipationRequestResponse(request)
	return dto.OwnParticipationResponse{Status: &status, Request: &response}, nil
}

func (s *participationService) Withdraw(ctx context.Context, principal Principal, eventID uint) (dto.ParticipationRequestResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "participation.withdraw", trace.WithAttributes(
		attribute.Int("event.id", int(eventID)),
		attribute.Int("user.id", int(principal.UserID)),
	))
	defer span.End()

	if !principal.Authenticated() || !principal.HasRole(RoleStudent) {
		return dto.ParticipationRequestResponse{}, ErrUnauthorized
	}

	student, err := s.students.GetByUserID(spanCtx, principal.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ParticipationRequestResponse{}, ErrStudentNotFound
		}
		return dto.ParticipationRequestResponse{}, fmt.Errorf("load student profile: %w", err)
	}

	request, err := s.requests.FindByStudentAndEvent(spanCtx, student.ID, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ParticipationRequestResponse{}, ErrRequestNotFound
		}
		return dto.ParticipationRequestResponse{}, fmt.Errorf("lookup participation request: %w", err)
	}

	switch request.Status {
	case models.ParticipationStatusWithdrawn:
		return dto.ParticipationRequestResponse{}, ErrAlreadyWithdrawn
	case models.ParticipationStatusRejected:
		return dto.ParticipationRequestResponse{}, transitionError(fmt.Sprintf("Cannot withdraw a %s request", request.Status))
	}

	from := request.Status
	heldSeat := from.HoldsSeat()
	now := s.now().UTC()
	request.Status = models.ParticipationStatusWithdrawn
	request.WithdrawnAt = &now

	if err := transitionLedger(spanCtx, s.requests, &request, from, "withdraw participation request"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return dto.ParticipationRequestResponse{}, err
	}

	if heldSeat {
		if err := s.roster.RemoveSeat(spanCtx, request.EventID, request.SchoolID, request.StudentID); err != nil {
			observability.RosterSyncFailures().WithLabelValues("withdraw").Inc()
			s.logger.Error().Err(err).Uint("request_id", request.ID).Msg("roster removal failed after withdrawal")
		}
	}

	observability.ParticipationOutcomes().WithLabelValues("withdraw", "withdrawn").Inc()
	publish(spanCtx, s.publisher, request, FeedActionWithdrawn)

	return dto.NewParticipationRequestResponse(request), nil
}

// transitionLedger writes request only while the stored row is still in status from.
// A concurrent change surfaces as INVALID_TRANSITION naming the status that won.
func transitionLedger(ctx context.Context, requests repository.ParticipationRequestRepository, request *models.ParticipationRequest, from models.ParticipationStatus, operation string) error {
	err := requests.TransitionStatus(ctx, request, from)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrStatusChanged) {
		return fmt.Errorf("%s: %w", operation, err)
	}

	current, loadErr := requests.GetByID(ctx, request.ID)
	if loadErr != nil {
		if errors.Is(loadErr, gorm.ErrRecordNotFound) {
			return ErrRequestNotFound
		}
		return fmt.Errorf("%s: reload: %w", operation, loadErr)
	}
	return transitionError(fmt.Sprintf("Cannot change status of a %s request", current.Status))
}

func (s *participationService) loadEvent(ctx context.Context, eventID uint) (models.Event, error) {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Event{}, ErrEventNotFound
		}
		return models.Event{}, fmt.Errorf("load event: %w", err)
	}
	return event, nil
}

func (s *participationService) syncRosterAdd(ctx context.Context, request models.ParticipationRequest, contact EnrollContact, operation string) {
	joinedAt := s.now().UTC()
	if err := s.roster.AddSeat(ctx, request.EventID, request.SchoolID, request.StudentID, joinedAt, contact); err != nil {
		observability.RosterSyncFailures().WithLabelValues(operation).Inc()
		s.logger.Error().Err(err).
			Uint("request_id", request.ID).
			Uint("event_id", request.EventID).
			Msg("roster update failed after ledger commit")
	}
}

// evaluateAdmission gathers committed counts and runs the capacity evaluator.
// excludeRequest and studentID are left out of the counts so a row never competes with itself.
func evaluateAdmission(ctx context.Context, requests repository.ParticipationRequestRepository, event models.Event, grade string, schoolID, studentID, excludeRequest uint, now time.Time, skipDeadline bool) (CapacityDecision, error) {
	globalHolders, err := requests.SeatHolders(ctx, event.ID, nil, excludeRequest)
	if err != nil {
		return CapacityDecision{}, fmt.Errorf("count event seats: %w", err)
	}

	schoolHolders, err := requests.SeatHolders(ctx, event.ID, &schoolID, excludeRequest)
	if err != nil {
		return CapacityDecision{}, fmt.Errorf("count school seats: %w", err)
	}

	return EvaluateCapacity(CapacityInput{
		Event:           event,
		Grade:           grade,
		GlobalCommitted: CommittedSeats(event.Participants, globalHolders, nil, studentID),
		SchoolCommitted: CommittedSeats(event.Participants, schoolHolders, &schoolID, studentID),
		Additional:      1,
		Now:             now,
		SkipDeadline:    skipDeadline,
	}), nil
}

func countViolations(violations []Violation) {
	for _, v := range violations {
		observability.CapacityViolations().WithLabelValues(string(v.Kind)).Inc()
	}
}

func publish(ctx context.Context, publisher ParticipationPublisher, request models.ParticipationRequest, action string) {
	if publisher == nil {
		return
	}
	publisher.Publish(ctx, dto.NewParticipationFeedMessage(request, action))
}

// recordOutcome tags the span and outcome counter with the failure code.
func recordOutcome(span trace.Span, operation string, err error) {
	var perr *ParticipationError
	if errors.As(err, &perr) {
		span.SetAttributes(attribute.String("participation.code", perr.Code))
		observability.ParticipationOutcomes().WithLabelValues(operation, perr.Code).Inc()
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	observability.ParticipationOutcomes().WithLabelValues(operation, "error").Inc()
}
