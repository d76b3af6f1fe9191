package models

import (
	"time"

	"gorm.io/datatypes"
)

// ParticipationStatus is the ledger status of one (student, event) relationship.
type ParticipationStatus string

const (
	ParticipationStatusPending   ParticipationStatus = "PENDING"
	ParticipationStatusApproved  ParticipationStatus = "APPROVED"
	ParticipationStatusRejected  ParticipationStatus = "REJECTED"
	ParticipationStatusWithdrawn ParticipationStatus = "WITHDRAWN"
	ParticipationStatusEnrolled  ParticipationStatus = "ENROLLED"
)

// HoldsSeat reports whether the status counts against event capacity.
func (s ParticipationStatus) HoldsSeat() bool {
	return s == ParticipationStatusApproved || s == ParticipationStatusEnrolled
}

// ParticipationRequest is the ledger row for one student's relationship to one event.
// There is at most one row per (student, event); a withdrawn row is reopened rather than replaced.
type ParticipationRequest struct {
	ID                    uint                        `gorm:"primaryKey" json:"id"`
	StudentID             uint                        `gorm:"not null;uniqueIndex:idx_participation_student_event" json:"student_id"`
	EventID               uint                        `gorm:"not null;uniqueIndex:idx_participation_student_event;index" json:"event_id"`
	SchoolID              uint                        `gorm:"not null;index" json:"school_id"`
	Status                ParticipationStatus         `gorm:"size:16;not null;index" json:"status"`
	RequestedAt           time.Time                   `gorm:"not null" json:"requested_at"`
	ApprovedAt            *time.Time                  `json:"approved_at"`
	ApprovedBy            *uint                       `json:"approved_by"`
	RejectedAt            *time.Time                  `json:"rejected_at"`
	RejectionReason       string                      `gorm:"type:text" json:"rejection_reason"`
	Notes                 string                      `gorm:"type:text" json:"notes"`
	ForceEnrolled         bool                        `gorm:"not null;default:false" json:"force_enrolled"`
	ValidationErrors      datatypes.JSONSlice[string] `gorm:"type:json" json:"validation_errors"`
	EnrollmentConfirmedAt *time.Time                  `json:"enrollment_confirmed_at"`
	WithdrawnAt           *time.Time                  `json:"withdrawn_at"`
	CreatedAt             time.Time                   `json:"created_at"`
	UpdatedAt             time.Time                   `json:"updated_at"`
	Event                 Event                       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"event"`
}

// IsConfirmedSeat reports whether the row belongs in the roster projection.
func (r ParticipationRequest) IsConfirmedSeat() bool {
	switch r.Status {
	case ParticipationStatusEnrolled:
		return true
	case ParticipationStatusApproved:
		return r.EnrollmentConfirmedAt != nil
	default:
		return false
	}
}
