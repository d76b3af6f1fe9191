package dto

import (
	"time"

	"github.com/noah-isme/schoolhub-participation/internal/models"
)

// Decision actions accepted by the review endpoint.
const (
	DecisionActionApprove = "APPROVE"
	DecisionActionReject  = "REJECT"
)

// SchoolStatusNotRequested is reported when a school has no ledger rows for an event.
const SchoolStatusNotRequested = "NOT_REQUESTED"

// ParticipationRequestSummary is the compact shape returned to students after submitting.
type ParticipationRequestSummary struct {
	ID          uint       `json:"id"`
	Status      string     `json:"status"`
	EventID     uint       `json:"eventId"`
	EventTitle  string     `json:"eventTitle"`
	RequestedAt time.Time  `json:"requestedAt"`
	ApprovedAt  *time.Time `json:"approvedAt"`
}

// SubmitParticipationResponse wraps the created ledger row.
type SubmitParticipationResponse struct {
	Request      ParticipationRequestSummary `json:"request"`
	AutoApproved bool                        `json:"autoApproved"`
}

// ParticipationRequestResponse serializes a full ledger row.
type ParticipationRequestResponse struct {
	ID                    uint       `json:"id"`
	StudentID             uint       `json:"studentId"`
	EventID               uint       `json:"eventId"`
	EventTitle            string     `json:"eventTitle,omitempty"`
	SchoolID              uint       `json:"schoolId"`
	Status                string     `json:"status"`
	RequestedAt           time.Time  `json:"requestedAt"`
	ApprovedAt            *time.Time `json:"approvedAt"`
	ApprovedBy            *uint      `json:"approvedBy"`
	RejectedAt            *time.Time `json:"rejectedAt"`
	RejectionReason       string     `json:"rejectionReason,omitempty"`
	Notes                 string     `json:"notes,omitempty"`
	ForceEnrolled         bool       `json:"forceEnrolled"`
	ValidationErrors      []string   `json:"validationErrors"`
	EnrollmentConfirmedAt *time.Time `json:"enrollmentConfirmedAt"`
	WithdrawnAt           *time.Time `json:"withdrawnAt"`
}

// OwnParticipationResponse answers the student's status lookup. Status is null when no row exists.
type OwnParticipationResponse struct {
	Status  *string                       `json:"status"`
	Request *ParticipationRequestResponse `json:"request,omitempty"`
}

// ParticipationDecisionRequest is the review payload sent by administrators.
type ParticipationDecisionRequest struct {
	RequestID       uint   `json:"requestId" validate:"required,gt=0"`
	Action          string `json:"action" validate:"required,oneof=APPROVE REJECT approve reject"`
	RejectionReason string `json:"rejectionReason" validate:"omitempty,max=2000"`
	Notes           string `json:"notes" validate:"omitempty,max=2000"`
	ForceEnroll     bool   `json:"forceEnroll"`
}

// EnrollParticipationRequest carries the school's contact details written into the roster.
type EnrollParticipationRequest struct {
	ContactPerson string `json:"contactPerson" validate:"omitempty,max=255"`
	ContactPhone  string `json:"contactPhone" validate:"omitempty,max=32"`
	Notes         string `json:"notes" validate:"omitempty,max=2000"`
}

// ParticipationListRequest filters the admin listing.
type ParticipationListRequest struct {
	EventID uint
	Status  string `validate:"omitempty,oneof=PENDING APPROVED REJECTED WITHDRAWN ENROLLED"`
}

// ViolationResponse is one broken admission rule.
type ViolationResponse struct {
	Kind    string `json:"kind"`
	Limit   int    `json:"limit"`
	Current int    `json:"current"`
	Message string `json:"message"`
}

// ParticipationStudent is one student inside a school's merged participation entry.
type ParticipationStudent struct {
	StudentID uint   `json:"studentId"`
	RequestID *uint  `json:"requestId,omitempty"`
	Status    string `json:"status"`
}

// SchoolParticipation merges the roster entry and ledger rows of one school.
type SchoolParticipation struct {
	SchoolID      uint                   `json:"school"`
	Status        string                 `json:"status"`
	Students      []ParticipationStudent `json:"students"`
	RequestIDs    []uint                 `json:"requestIds"`
	JoinedAt      *time.Time             `json:"joinedAt,omitempty"`
	ContactPerson string                 `json:"contactPerson,omitempty"`
	ContactPhone  string                 `json:"contactPhone,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
	InRoster      bool                   `json:"inRoster"`
}

// ParticipationCounts are always computed from the ledger.
type ParticipationCounts struct {
	SchoolCount      int `json:"schoolCount"`
	StudentCount     int `json:"studentCount"`
	Enrolled         int `json:"enrolled"`
	ParticipantCount int `json:"participantCount"`
}

// EventParticipationView is the read model returned to administrators.
type EventParticipationView struct {
	EventID                  uint                  `json:"eventId"`
	EventTitle               string                `json:"eventTitle"`
	MaxParticipants          *int                  `json:"maxParticipants"`
	MaxParticipantsPerSchool *int                  `json:"maxParticipantsPerSchool"`
	RegistrationDeadline     *time.Time            `json:"registrationDeadline"`
	Schools                  []SchoolParticipation `json:"participants,omitempty"`
	ParticipationStatus      string                `json:"participationStatus,omitempty"`
	Counts                   ParticipationCounts   `json:"counts"`
}

// RosterDriftReport describes what reconciliation changed in an event roster.
type RosterDriftReport struct {
	EventID         uint      `json:"eventId"`
	Added           []uint    `json:"added"`
	Removed         []uint    `json:"removed"`
	SchoolsAdded    []uint    `json:"schoolsAdded"`
	SchoolsRemoved  []uint    `json:"schoolsRemoved"`
	Changed         bool      `json:"changed"`
	ReconciledAt    time.Time `json:"reconciledAt"`
	ConfirmedSeats  int       `json:"confirmedSeats"`
	RosterSeatsPrev int       `json:"rosterSeatsBefore"`
}

// ParticipationFeedMessage is pushed to live subscribers when a ledger row changes.
type ParticipationFeedMessage struct {
	EventID    uint      `json:"eventId"`
	RequestID  uint      `json:"requestId"`
	StudentID  uint      `json:"studentId"`
	SchoolID   uint      `json:"schoolId"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewParticipationRequestResponse converts a ledger row into its API shape.
func NewParticipationRequestResponse(model models.ParticipationRequest) ParticipationRequestResponse {
	validation := []string(model.ValidationErrors)
	if validation == nil {
		validation = []string{}
	}

	return ParticipationRequestResponse{
		ID:                    model.ID,
		StudentID:             model.StudentID,
		EventID:               model.EventID,
		EventTitle:            model.Event.Title,
		SchoolID:              model.SchoolID,
		Status:                string(model.Status),
		RequestedAt:           model.RequestedAt,
		ApprovedAt:            model.ApprovedAt,
		ApprovedBy:            model.ApprovedBy,
		RejectedAt:            model.RejectedAt,
		RejectionReason:       model.RejectionReason,
		Notes:                 model.Notes,
		ForceEnrolled:         model.ForceEnrolled,
		ValidationErrors:      validation,
		EnrollmentConfirmedAt: model.EnrollmentConfirmedAt,
		WithdrawnAt:           model.WithdrawnAt,
	}
}

// NewParticipationRequestSummary builds the compact submit response.
func NewParticipationRequestSummary(model models.ParticipationRequest, eventTitle string) ParticipationRequestSummary {
	return ParticipationRequestSummary{
		ID:          model.ID,
		Status:      string(model.Status),
		EventID:     model.EventID,
		EventTitle:  eventTitle,
		RequestedAt: model.RequestedAt,
		ApprovedAt:  model.ApprovedAt,
	}
}

// NewParticipationFeedMessage derives a feed message from a ledger row.
func NewParticipationFeedMessage(model models.ParticipationRequest, action string) ParticipationFeedMessage {
	return ParticipationFeedMessage{
		EventID:   model.EventID,
		RequestID: model.ID,
		StudentID: model.StudentID,
		SchoolID:  model.SchoolID,
		Action:    action,
		Status:    string(model.Status),
	}
}
