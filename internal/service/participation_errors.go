package service

import (
	"fmt"
	"strings"
)

// ErrorKind classifies participation failures for transport mapping.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindNotFound     ErrorKind = "not_found"
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
)

// Machine-readable codes returned to clients.
const (
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeForbidden               = "FORBIDDEN"
	CodeEventNotFound           = "EVENT_NOT_FOUND"
	CodeStudentNotFound         = "STUDENT_NOT_FOUND"
	CodeRequestNotFound         = "REQUEST_NOT_FOUND"
	CodeEventNotApproved        = "EVENT_NOT_APPROVED"
	CodeGradeIneligible         = "GRADE_INELIGIBLE"
	CodeDeadlinePassed          = "DEADLINE_PASSED"
	CodeCapacityFull            = "CAPACITY_FULL"
	CodeSchoolCapacityFull      = "SCHOOL_CAPACITY_FULL"
	CodeDuplicateRequest        = "DUPLICATE_REQUEST"
	CodeAlreadyWithdrawn        = "ALREADY_WITHDRAWN"
	CodeRejectionReasonRequired = "REJECTION_REASON_REQUIRED"
	CodeCapacityConflict        = "CAPACITY_CONFLICT"
	CodeInvalidTransition       = "INVALID_TRANSITION"
	CodeAdmissionBusy           = "ADMISSION_BUSY"
	CodeInvalidFilter           = "INVALID_FILTER"
)

// ParticipationError is the structured caller error raised by the participation workflows.
type ParticipationError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Violations []Violation
}

func (e *ParticipationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches participation errors by code so sentinels work with errors.Is.
func (e *ParticipationError) Is(target error) bool {
	other, ok := target.(*ParticipationError)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

func newParticipationError(kind ErrorKind, code, message string) *ParticipationError {
	return &ParticipationError{Kind: kind, Code: code, Message: message}
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized            = newParticipationError(KindUnauthorized, CodeUnauthorized, "authentication required")
	ErrForbidden               = newParticipationError(KindForbidden, CodeForbidden, "insufficient permissions")
	ErrEventNotFound           = newParticipationError(KindNotFound, CodeEventNotFound, "event not found")
	ErrStudentNotFound         = newParticipationError(KindNotFound, CodeStudentNotFound, "student profile not found")
	ErrRequestNotFound         = newParticipationError(KindNotFound, CodeRequestNotFound, "participation request not found")
	ErrEventNotApproved        = newParticipationError(KindValidation, CodeEventNotApproved, "event is not open for participation")
	ErrGradeIneligible         = newParticipationError(KindValidation, CodeGradeIneligible, "your grade is not eligible for this event")
	ErrDeadlinePassed          = newParticipationError(KindValidation, CodeDeadlinePassed, "registration deadline has passed")
	ErrCapacityFull            = newParticipationError(KindValidation, CodeCapacityFull, "event is full")
	ErrSchoolCapacityFull      = newParticipationError(KindValidation, CodeSchoolCapacityFull, "your school has reached its participant limit")
	ErrDuplicateRequest        = newParticipationError(KindValidation, CodeDuplicateRequest, "you already have a request for this event")
	ErrAlreadyWithdrawn        = newParticipationError(KindValidation, CodeAlreadyWithdrawn, "you withdrew from this event; contact your school admin to reopen the request")
	ErrRejectionReasonRequired = newParticipationError(KindValidation, CodeRejectionReasonRequired, "rejection reason is required")
	ErrCapacityConflict        = newParticipationError(KindValidation, CodeCapacityConflict, "approval blocked by capacity conflicts")
	ErrInvalidTransition       = newParticipationError(KindConflict, CodeInvalidTransition, "invalid status transition")
	ErrAdmissionBusy           = newParticipationError(KindConflict, CodeAdmissionBusy, "event admission is busy, retry shortly")
	ErrInvalidFilter           = newParticipationError(KindValidation, CodeInvalidFilter, "invalid participation filter")
)

func transitionError(message string) *ParticipationError {
	return newParticipationError(KindConflict, CodeInvalidTransition, message)
}

func violationError(v Violation) *ParticipationError {
	err := newParticipationError(KindValidation, string(v.Kind), v.Message)
	err.Violations = []Violation{v}
	return err
}

func capacityConflictError(violations []Violation) *ParticipationError {
	err := newParticipationError(KindValidation, CodeCapacityConflict, "Cannot approve: "+JoinViolationMessages(violations))
	err.Violations = violations
	return err
}

// JoinViolationMessages renders violations in the legacy pipe-delimited format.
func JoinViolationMessages(violations []Violation) string {
	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		messages = append(messages, v.Message)
	}
	return strings.Join(messages, " | ")
}
