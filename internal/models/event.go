package models

import (
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventStatus tracks the review state of the event itself.
type EventStatus string

const (
	// EventStatusPending marks a teacher-created event still awaiting admin review.
	EventStatusPending EventStatus = "PENDING"
	// EventStatusApproved marks an event open for participation requests.
	EventStatusApproved EventStatus = "APPROVED"
)

// RosterEntry is one school's block inside the event roster.
type RosterEntry struct {
	SchoolID      uint      `json:"school"`
	Students      []uint    `json:"students"`
	JoinedAt      time.Time `json:"joinedAt"`
	ContactPerson string    `json:"contactPerson,omitempty"`
	ContactPhone  string    `json:"contactPhone,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

// HasStudent reports whether the student already holds a seat in this entry.
func (e RosterEntry) HasStudent(studentID uint) bool {
	return slices.Contains(e.Students, studentID)
}

// Roster is the denormalized list of confirmed seats grouped by school.
type Roster = datatypes.JSONSlice[RosterEntry]

// Event represents a school-wide or group-targeted activity open for participation.
type Event struct {
	ID                       uint                        `gorm:"primaryKey" json:"id"`
	Title                    string                      `gorm:"size:255;not null" json:"title"`
	Description              string                      `gorm:"type:text" json:"description"`
	Date                     time.Time                   `json:"date"`
	CreatorID                uint                        `gorm:"not null;index" json:"creator_id"`
	TargetGroupID            *uint                       `json:"target_group_id"`
	SchoolID                 *uint                       `gorm:"index" json:"school_id"`
	RegistrationDeadline     *time.Time                  `json:"registration_deadline"`
	MaxParticipants          *int                        `json:"max_participants"`
	MaxParticipantsPerSchool *int                        `json:"max_participants_per_school"`
	EligibleGrades           datatypes.JSONSlice[string] `gorm:"type:json" json:"eligible_grades"`
	Status                   EventStatus                 `gorm:"size:16;not null;default:PENDING" json:"status"`
	Participants             Roster                      `gorm:"type:json" json:"participants"`
	Version                  int64                       `gorm:"not null;default:0" json:"-"`
	CreatedAt                time.Time                   `json:"created_at"`
	UpdatedAt                time.Time                   `json:"updated_at"`
	DeletedAt                gorm.DeletedAt              `gorm:"index" json:"-"`
}

// AcceptsParticipation reports whether the event is open for requests.
func (e Event) AcceptsParticipation() bool {
	return e.Status == EventStatusApproved
}

// DeadlinePassed returns true when the registration deadline lies before the reference instant.
func (e Event) DeadlinePassed(reference time.Time) bool {
	return e.RegistrationDeadline != nil && reference.After(*e.RegistrationDeadline)
}

// GradeEligible reports whether the grade label may join. An empty grade list admits everyone.
func (e Event) GradeEligible(grade string) bool {
	if len(e.EligibleGrades) == 0 {
		return true
	}

	grade = strings.TrimSpace(grade)
	for _, allowed := range e.EligibleGrades {
		if strings.EqualFold(strings.TrimSpace(allowed), grade) {
			return true
		}
	}

	return false
}

// RosterEntryFor returns the roster entry owned by the school, if any.
func (e Event) RosterEntryFor(schoolID uint) (RosterEntry, bool) {
	for _, entry := range e.Participants {
		if entry.SchoolID == schoolID {
			return entry, true
		}
	}

	return RosterEntry{}, false
}
