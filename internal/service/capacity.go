package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/schoolhub-participation/internal/models"
)

// ViolationKind names one admission rule that a proposal breaks.
type ViolationKind string

const (
	ViolationGradeIneligible    ViolationKind = CodeGradeIneligible
	ViolationDeadlinePassed     ViolationKind = CodeDeadlinePassed
	ViolationCapacityFull       ViolationKind = CodeCapacityFull
	ViolationSchoolCapacityFull ViolationKind = CodeSchoolCapacityFull
)

// Violation is one broken admission rule. Limit and Current are zero for non-capacity rules.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Limit   int           `json:"limit"`
	Current int           `json:"current"`
	Message string        `json:"message"`
}

// CapacityInput is everything the evaluator needs; it performs no lookups of its own.
type CapacityInput struct {
	Event           models.Event
	Grade           string
	GlobalCommitted int
	SchoolCommitted int
	Additional      int
	Now             time.Time
	SkipDeadline    bool
}

// CapacityDecision lists every violated rule. Admitted is true only when the list is empty.
type CapacityDecision struct {
	Admitted   bool
	Violations []Violation
}

// First returns the highest priority violation.
func (d CapacityDecision) First() (Violation, bool) {
	if len(d.Violations) == 0 {
		return Violation{}, false
	}
	return d.Violations[0], true
}

// Messages returns the human readable text of every violation.
func (d CapacityDecision) Messages() []string {
	messages := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		messages = append(messages, v.Message)
	}
	return messages
}

// EvaluateCapacity checks eligibility, deadline, global and per-school limits.
// All rules are evaluated; violations are ordered grade, deadline, global, school.
func EvaluateCapacity(in CapacityInput) CapacityDecision {
	additional := in.Additional
	if additional <= 0 {
		additional = 1
	}

	violations := make([]Violation, 0, 4)
	event := in.Event

	if !event.GradeEligible(in.Grade) {
		violations = append(violations, Violation{
			Kind:    ViolationGradeIneligible,
			Message: fmt.Sprintf("Grade %q is not eligible (allowed: %s)", strings.TrimSpace(in.Grade), strings.Join(event.EligibleGrades, ", ")),
		})
	}

	if !in.SkipDeadline && event.DeadlinePassed(in.Now) {
		violations = append(violations, Violation{
			Kind:    ViolationDeadlinePassed,
			Message: fmt.Sprintf("Registration deadline passed on %s", event.RegistrationDeadline.UTC().Format(time.RFC3339)),
		})
	}

	if limit := event.MaxParticipants; limit != nil && in.GlobalCommitted+additional > *limit {
		violations = append(violations, Violation{
			Kind:    ViolationCapacityFull,
			Limit:   *limit,
			Current: in.GlobalCommitted,
			Message: fmt.Sprintf("Event capacity reached (%d/%d participants)", in.GlobalCommitted, *limit),
		})
	}

	if limit := event.MaxParticipantsPerSchool; limit != nil && in.SchoolCommitted+additional > *limit {
		violations = append(violations, Violation{
			Kind:    ViolationSchoolCapacityFull,
			Limit:   *limit,
			Current: in.SchoolCommitted,
			Message: fmt.Sprintf("School capacity reached (%d/%d students from this school)", in.SchoolCommitted, *limit),
		})
	}

	return CapacityDecision{Admitted: len(violations) == 0, Violations: violations}
}

// CommittedSeats counts distinct students holding a seat either in the ledger or in the roster.
// A nil schoolID counts the whole event. excludeStudent is left out of the count.
func CommittedSeats(roster models.Roster, ledgerHolders []uint, schoolID *uint, excludeStudent uint) int {
	seen := make(map[uint]struct{}, len(ledgerHolders))
	for _, id := range ledgerHolders {
		seen[id] = struct{}{}
	}

	for _, entry := range roster {
		if schoolID != nil && entry.SchoolID != *schoolID {
			continue
		}
		for _, id := range entry.Students {
			seen[id] = struct{}{}
		}
	}

	if excludeStudent != 0 {
		delete(seen, excludeStudent)
	}

	return len(seen)
}
