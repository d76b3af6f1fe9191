package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
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

// EnrollContact is the contact metadata a school attaches to its roster entry.
type EnrollContact struct {
	ContactPerson string
	ContactPhone  string
	Notes         string
}

// RosterService maintains the roster projection embedded in each event.
type RosterService interface {
	AddSeat(ctx context.Context, eventID, schoolID, studentID uint, joinedAt time.Time, contact EnrollContact) error
	RemoveSeat(ctx context.Context, eventID, schoolID, studentID uint) error
	Reconcile(ctx context.Context, actor ActivityActor, eventID uint) (dto.RosterDriftReport, error)
	ReconcileAll(ctx context.Context, actor ActivityActor) ([]dto.RosterDriftReport, error)
}

type rosterService struct {
	events   repository.EventRepository
	requests repository.ParticipationRequestRepository
	activity ActivityRecorder
	locker   AdmissionLocker
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewRosterService constructs the roster maintainer. Reconciliation holds the same
// admission lock as the workflows, so locker must be shared with them.
func NewRosterService(events repository.EventRepository, requests repository.ParticipationRequestRepository, activity ActivityRecorder, locker AdmissionLocker, logger zerolog.Logger) RosterService {
	return &rosterService{
		events:   events,
		requests: requests,
		activity: activity,
		locker:   locker,
		logger:   logger.With().Str("component", "roster_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/schoolhub-participation/internal/service/roster"),
		now:      time.Now,
	}
}

func (s *rosterService) AddSeat(ctx context.Context, eventID, schoolID, studentID uint, joinedAt time.Time, contact EnrollContact) error {
	_, err := s.events.UpdateRoster(ctx, eventID, addSeatMutation(schoolID, studentID, joinedAt, contact))
	return err
}

func (s *rosterService) RemoveSeat(ctx context.Context, eventID, schoolID, studentID uint) error {
	_, err := s.events.UpdateRoster(ctx, eventID, removeSeatMutation(schoolID, studentID))
	return err
}

func addSeatMutation(schoolID, studentID uint, joinedAt time.Time, contact EnrollContact) repository.RosterMutation {
	return func(roster models.Roster) (models.Roster, bool, error) {
		for i := range roster {
			if roster[i].SchoolID != schoolID {
				continue
			}

			entry := &roster[i]
			changed := false
			if !entry.HasStudent(studentID) {
				entry.Students = append(entry.Students, studentID)
				changed = true
			}
			if contact.ContactPerson != "" && contact.ContactPerson != entry.ContactPerson {
				entry.ContactPerson = contact.ContactPerson
				changed = true
			}
			if contact.ContactPhone != "" && contact.ContactPhone != entry.ContactPhone {
				entry.ContactPhone = contact.ContactPhone
				changed = true
			}
			if contact.Notes != "" && contact.Notes != entry.Notes {
				entry.Notes = contact.Notes
				changed = true
			}
			return roster, changed, nil
		}

		roster = append(roster, models.RosterEntry{
			SchoolID:      schoolID,
			Students:      []uint{studentID},
			JoinedAt:      joinedAt.UTC(),
			ContactPerson: contact.ContactPerson,
			ContactPhone:  contact.ContactPhone,
			Notes:         contact.Notes,
		})
		return roster, true, nil
	}
}

// removeSeatMutation drops the student and removes the school entry once it is empty.
func removeSeatMutation(schoolID, studentID uint) repository.RosterMutation {
	return func(roster models.Roster) (models.Roster, bool, error) {
		for i := range roster {
			if roster[i].SchoolID != schoolID || !roster[i].HasStudent(studentID) {
				continue
			}

			roster[i].Students = slices.DeleteFunc(roster[i].Students, func(id uint) bool { return id == studentID })
			if len(roster[i].Students) == 0 {
				roster = slices.Delete(roster, i, i+1)
			}
			return roster, true, nil
		}
		return roster, false, nil
	}
}

// Reconcile rebuilds the roster from confirmed ledger seats, keeping contact metadata and joinedAt of surviving entries.
func (s *rosterService) Reconcile(ctx context.Context, actor ActivityActor, eventID uint) (dto.RosterDriftReport, error) {
	spanCtx, span := s.tracer.Start(ctx, "roster.reconcile", trace.WithAttributes(attribute.Int("event.id", int(eventID))))
	defer span.End()

	now := s.now().UTC()
	var report dto.RosterDriftReport

	err := withAdmissionLock(spanCtx, s.locker, eventID, func() error {
		_, err := s.events.UpdateRoster(spanCtx, eventID, func(roster models.Roster) (models.Roster, bool, error) {
			// Listed per attempt: a version clash means a seat changed, and its ledger row with it.
			rows, err := s.requests.ListByEvent(spanCtx, eventID)
			if err != nil {
				return nil, false, fmt.Errorf("list ledger rows: %w", err)
			}
			updated, drift := rebuildRoster(roster, rows, now)
			report = drift
			return updated, drift.Changed, nil
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RosterDriftReport{}, ErrEventNotFound
		}
		var perr *ParticipationError
		if errors.As(err, &perr) {
			return dto.RosterDriftReport{}, err
		}
		return dto.RosterDriftReport{}, fmt.Errorf("reconcile roster: %w", err)
	}

	report.EventID = eventID
	report.ReconciledAt = now

	if report.Changed {
		observability.RosterDrift().WithLabelValues("added").Add(float64(len(report.Added)))
		observability.RosterDrift().WithLabelValues("removed").Add(float64(len(report.Removed)))

		s.logger.Info().
			Uint("event_id", eventID).
			Int("added", len(report.Added)).
			Int("removed", len(report.Removed)).
			Msg("roster reconciled")

		if s.activity != nil {
			entityID := eventID
			if _, err := s.activity.Record(spanCtx, ActivityEntry{
				ActorID:    actor.ID,
				ActorRole:  actor.Role,
				Action:     models.ActivityRosterReconciled,
				EntityType: "event",
				EntityID:   &entityID,
				Metadata: map[string]interface{}{
					"added":           report.Added,
					"removed":         report.Removed,
					"schools_added":   report.SchoolsAdded,
					"schools_removed": report.SchoolsRemoved,
				},
			}); err != nil {
				s.logger.Warn().Err(err).Uint("event_id", eventID).Msg("failed to record reconciliation activity")
			}
		}
	}

	return report, nil
}

func (s *rosterService) ReconcileAll(ctx context.Context, actor ActivityActor) ([]dto.RosterDriftReport, error) {
	ids, err := s.events.ListApprovedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list approved events: %w", err)
	}

	reports := make([]dto.RosterDriftReport, 0, len(ids))
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		report, err := s.Reconcile(ctx, actor, id)
		if err != nil {
			s.logger.Error().Err(err).Uint("event_id", id).Msg("roster reconciliation failed")
			errs = append(errs, fmt.Errorf("event %d: %w", id, err))
			continue
		}
		reports = append(reports, report)
	}

	return reports, errors.Join(errs...)
}

func rebuildRoster(roster models.Roster, rows []models.ParticipationRequest, now time.Time) (models.Roster, dto.RosterDriftReport) {
	confirmed := make(map[uint][]uint)
	joined := make(map[uint]time.Time)
	var schoolOrder []uint

	for _, row := range rows {
		if !row.IsConfirmedSeat() {
			continue
		}
		if _, ok := confirmed[row.SchoolID]; !ok {
			schoolOrder = append(schoolOrder, row.SchoolID)
			joined[row.SchoolID] = seatTimestamp(row, now)
		}
		if !slices.Contains(confirmed[row.SchoolID], row.StudentID) {
			confirmed[row.SchoolID] = append(confirmed[row.SchoolID], row.StudentID)
		}
	}

	report := dto.RosterDriftReport{
		Added:          []uint{},
		Removed:        []uint{},
		SchoolsAdded:   []uint{},
		SchoolsRemoved: []uint{},
	}

	previous := make(map[uint]struct{})
	updated := make(models.Roster, 0, len(schoolOrder))
	for _, entry := range roster {
		report.RosterSeatsPrev += len(entry.Students)
		seats, ok := confirmed[entry.SchoolID]
		if !ok {
			report.SchoolsRemoved = append(report.SchoolsRemoved, entry.SchoolID)
			report.Removed = append(report.Removed, entry.Students...)
			continue
		}

		previous[entry.SchoolID] = struct{}{}
		kept := make([]uint, 0, len(seats))
		for _, id := range entry.Students {
			if slices.Contains(seats, id) && !slices.Contains(kept, id) {
				kept = append(kept, id)
				continue
			}
			report.Removed = append(report.Removed, id)
		}
		for _, id := range seats {
			if !slices.Contains(kept, id) {
				kept = append(kept, id)
				report.Added = append(report.Added, id)
			}
		}

		entry.Students = kept
		updated = append(updated, entry)
	}

	for _, schoolID := range schoolOrder {
		if _, ok := previous[schoolID]; ok {
			continue
		}
		report.SchoolsAdded = append(report.SchoolsAdded, schoolID)
		report.Added = append(report.Added, confirmed[schoolID]...)
		updated = append(updated, models.RosterEntry{
			SchoolID: schoolID,
			Students: append([]uint(nil), confirmed[schoolID]...),
			JoinedAt: joined[schoolID],
		})
	}

	for _, seats := range confirmed {
		report.ConfirmedSeats += len(seats)
	}

	report.Changed = len(report.Added) > 0 || len(report.Removed) > 0 || len(report.SchoolsRemoved) > 0
	return updated, report
}

func seatTimestamp(row models.ParticipationRequest, fallback time.Time) time.Time {
	switch {
	case row.EnrollmentConfirmedAt != nil:
		return row.EnrollmentConfirmedAt.UTC()
	case row.ApprovedAt != nil:
		return row.ApprovedAt.UTC()
	default:
		return fallback
	}
}
