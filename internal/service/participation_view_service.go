package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
)

// ParticipationViewService builds read models that merge the roster with the live ledger.
type ParticipationViewService interface {
	View(ctx context.Context, principal Principal, eventID uint) (dto.EventParticipationView, error)
	BuildAdminView(ctx context.Context, eventID uint) (dto.EventParticipationView, error)
	BuildSchoolView(ctx context.Context, eventID, schoolID uint) (dto.EventParticipationView, error)
}

type participationViewService struct {
	events   repository.EventRepository
	requests repository.ParticipationRequestRepository
	logger   zerolog.Logger
}

// NewParticipationViewService constructs the read-side aggregator.
func NewParticipationViewService(events repository.EventRepository, requests repository.ParticipationRequestRepository, logger zerolog.Logger) ParticipationViewService {
	return &participationViewService{
		events:   events,
		requests: requests,
		logger:   logger.With().Str("component", "participation_view_service").Logger(),
	}
}

// View picks the admin view for super admins and the school view for school admins.
func (s *participationViewService) View(ctx context.Context, principal Principal, eventID uint) (dto.EventParticipationView, error) {
	switch {
	case !principal.Authenticated():
		return dto.EventParticipationView{}, ErrUnauthorized
	case principal.IsSuperAdmin():
		return s.BuildAdminView(ctx, eventID)
	case principal.HasRole(RoleSchoolAdmin) && principal.SchoolID != nil:
		return s.BuildSchoolView(ctx, eventID, *principal.SchoolID)
	default:
		return dto.EventParticipationView{}, ErrForbidden
	}
}

func (s *participationViewService) BuildAdminView(ctx context.Context, eventID uint) (dto.EventParticipationView, error) {
	event, rows, err := s.load(ctx, eventID)
	if err != nil {
		return dto.EventParticipationView{}, err
	}

	view := baseView(event, rows)
	view.Schools = mergeSchools(event.Participants, rows)
	return view, nil
}

func (s *participationViewService) BuildSchoolView(ctx context.Context, eventID, schoolID uint) (dto.EventParticipationView, error) {
	event, rows, err := s.load(ctx, eventID)
	if err != nil {
		return dto.EventParticipationView{}, err
	}

	view := baseView(event, rows)
	view.ParticipationStatus = schoolStatus(rows, schoolID)

	own := make([]models.ParticipationRequest, 0)
	for _, row := range rows {
		if row.SchoolID == schoolID {
			own = append(own, row)
		}
	}

	var roster models.Roster
	if entry, ok := event.RosterEntryFor(schoolID); ok {
		roster = models.Roster{entry}
	}
	view.Schools = mergeSchools(roster, own)

	return view, nil
}

func (s *participationViewService) load(ctx context.Context, eventID uint) (models.Event, []models.ParticipationRequest, error) {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Event{}, nil, ErrEventNotFound
		}
		return models.Event{}, nil, fmt.Errorf("load event: %w", err)
	}

	rows, err := s.requests.ListByEvent(ctx, eventID)
	if err != nil {
		return models.Event{}, nil, fmt.Errorf("list ledger rows: %w", err)
	}

	return event, rows, nil
}

func baseView(event models.Event, rows []models.ParticipationRequest) dto.EventParticipationView {
	return dto.EventParticipationView{
		EventID:                  event.ID,
		EventTitle:               event.Title,
		MaxParticipants:          event.MaxParticipants,
		MaxParticipantsPerSchool: event.MaxParticipantsPerSchool,
		RegistrationDeadline:     event.RegistrationDeadline,
		Counts:                   ledgerCounts(rows),
	}
}

// ledgerCounts derives every exposed count from ledger rows; the roster is never counted.
func ledgerCounts(rows []models.ParticipationRequest) dto.ParticipationCounts {
	schools := make(map[uint]struct{})
	students := make(map[uint]struct{})
	var counts dto.ParticipationCounts

	for _, row := range rows {
		switch row.Status {
		case models.ParticipationStatusPending, models.ParticipationStatusApproved, models.ParticipationStatusEnrolled:
			schools[row.SchoolID] = struct{}{}
			students[row.StudentID] = struct{}{}
		}
		if row.Status.HoldsSeat() {
			counts.ParticipantCount++
		}
		if row.IsConfirmedSeat() {
			counts.Enrolled++
		}
	}

	counts.SchoolCount = len(schools)
	counts.StudentCount = len(students)
	return counts
}

// schoolStatus ranks a school's rows APPROVED (including ENROLLED) over PENDING over REJECTED.
func schoolStatus(rows []models.ParticipationRequest, schoolID uint) string {
	var pending, rejected bool
	for _, row := range rows {
		if row.SchoolID != schoolID {
			continue
		}
		switch row.Status {
		case models.ParticipationStatusApproved, models.ParticipationStatusEnrolled:
			return string(models.ParticipationStatusApproved)
		case models.ParticipationStatusPending:
			pending = true
		case models.ParticipationStatusRejected:
			rejected = true
		}
	}

	switch {
	case pending:
		return string(models.ParticipationStatusPending)
	case rejected:
		return string(models.ParticipationStatusRejected)
	default:
		return dto.SchoolStatusNotRequested
	}
}

// mergeSchools starts from the roster and overlays ledger rows grouped by school.
// A pending row forces the school status to PENDING.
func mergeSchools(roster models.Roster, rows []models.ParticipationRequest) []dto.SchoolParticipation {
	merged := make([]dto.SchoolParticipation, 0, len(roster))
	index := make(map[uint]int)

	for _, entry := range roster {
		joinedAt := entry.JoinedAt
		school := dto.SchoolParticipation{
			SchoolID:      entry.SchoolID,
			Status:        string(models.ParticipationStatusApproved),
			Students:      make([]dto.ParticipationStudent, 0, len(entry.Students)),
			RequestIDs:    []uint{},
			JoinedAt:      &joinedAt,
			ContactPerson: entry.ContactPerson,
			ContactPhone:  entry.ContactPhone,
			Notes:         entry.Notes,
			InRoster:      true,
		}
		for _, studentID := range entry.Students {
			if containsStudent(school.Students, studentID) {
				continue
			}
			school.Students = append(school.Students, dto.ParticipationStudent{
				StudentID: studentID,
				Status:    string(models.ParticipationStatusEnrolled),
			})
		}
		index[entry.SchoolID] = len(merged)
		merged = append(merged, school)
	}

	ranks := make(map[uint]int)
	for _, row := range rows {
		pos, ok := index[row.SchoolID]
		if !ok {
			pos = len(merged)
			index[row.SchoolID] = pos
			merged = append(merged, dto.SchoolParticipation{
				SchoolID:   row.SchoolID,
				Students:   []dto.ParticipationStudent{},
				RequestIDs: []uint{},
			})
		}

		school := &merged[pos]
		requestID := row.ID
		school.RequestIDs = append(school.RequestIDs, requestID)

		found := false
		for i := range school.Students {
			if school.Students[i].StudentID == row.StudentID {
				school.Students[i].RequestID = &requestID
				school.Students[i].Status = string(row.Status)
				found = true
				break
			}
		}
		if !found {
			school.Students = append(school.Students, dto.ParticipationStudent{
				StudentID: row.StudentID,
				RequestID: &requestID,
				Status:    string(row.Status),
			})
		}

		if rank := adminStatusRank(row.Status); rank > ranks[row.SchoolID] {
			ranks[row.SchoolID] = rank
		}
	}

	for i := range merged {
		rank, ok := ranks[merged[i].SchoolID]
		if !ok {
			continue
		}
		if merged[i].InRoster && rank < adminStatusRank(models.ParticipationStatusApproved) {
			rank = adminStatusRank(models.ParticipationStatusApproved)
		}
		merged[i].Status = statusForRank(rank)
	}

	return merged
}

func adminStatusRank(status models.ParticipationStatus) int {
	switch status {
	case models.ParticipationStatusPending:
		return 4
	case models.ParticipationStatusApproved, models.ParticipationStatusEnrolled:
		return 3
	case models.ParticipationStatusRejected:
		return 2
	case models.ParticipationStatusWithdrawn:
		return 1
	default:
		return 0
	}
}

func statusForRank(rank int) string {
	switch rank {
	case 4:
		return string(models.ParticipationStatusPending)
	case 3:
		return string(models.ParticipationStatusApproved)
	case 2:
		return string(models.ParticipationStatusRejected)
	case 1:
		return string(models.ParticipationStatusWithdrawn)
	default:
		return dto.SchoolStatusNotRequested
	}
}

func containsStudent(students []dto.ParticipationStudent, studentID uint) bool {
	for _, s := range students {
		if s.StudentID == studentID {
			return true
		}
	}
	return false
}
