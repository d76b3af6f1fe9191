package models

import "time"

// Student is the read-only profile the participation service resolves for a user.
// Profiles are owned by the school directory; this service never writes them.
type Student struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	SchoolID  uint      `gorm:"not null;index" json:"school_id"`
	Grade     string    `gorm:"size:16;not null" json:"grade"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
