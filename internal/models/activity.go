package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit actions recorded for participation workflows.
const (
	ActivityParticipationApproved      = "participation.approved"
	ActivityParticipationForceEnrolled = "participation.force_enrolled"
	ActivityParticipationRejected      = "participation.rejected"
	ActivityParticipationEnrolled      = "participation.enrolled"
	ActivityParticipationReopened      = "participation.reopened"
	ActivityParticipationDeleted       = "participation.deleted"
	ActivityRosterReconciled           = "roster.reconciled"
)

// ActivityLog captures auditable decisions taken by administrators on participation requests.
type ActivityLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	ActorID    uint              `gorm:"not null;index" json:"actor_id"`
	ActorRole  string            `gorm:"size:32;not null" json:"actor_role"`
	Action     string            `gorm:"size:64;not null;index" json:"action"`
	EntityType string            `gorm:"size:64;not null" json:"entity_type"`
	EntityID   *uint             `json:"entity_id"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}
