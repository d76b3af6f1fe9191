package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/models"
)

// ErrRosterConflict is returned when the roster could not be written after repeated version clashes.
var ErrRosterConflict = errors.New("roster update conflict")

const maxRosterAttempts = 5

// RosterMutation receives a copy of the current roster and returns the new one.
// Returning changed=false skips the write.
type RosterMutation func(roster models.Roster) (updated models.Roster, changed bool, err error)

// EventRepository exposes the event document and its embedded roster.
type EventRepository interface {
	GetByID(ctx context.Context, id uint) (models.Event, error)
	Create(ctx context.Context, event *models.Event) error
	ListApprovedIDs(ctx context.Context) ([]uint, error)
	UpdateRoster(ctx context.Context, id uint, mutate RosterMutation) (models.Event, error)
}

type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository constructs the event repository.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) GetByID(ctx context.Context, id uint) (models.Event, error) {
	var event models.Event
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return models.Event{}, err
	}

	return event, nil
}

func (r *eventRepository) Create(ctx context.Context, event *models.Event) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *eventRepository) ListApprovedIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Event{}).
		Where("status = ?", models.EventStatusApproved).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	return ids, nil
}

// UpdateRoster performs a read-modify-write of the roster guarded by the event version column.
func (r *eventRepository) UpdateRoster(ctx context.Context, id uint, mutate RosterMutation) (models.Event, error) {
	for attempt := 0; attempt < maxRosterAttempts; attempt++ {
		event, err := r.GetByID(ctx, id)
		if err != nil {
			return models.Event{}, err
		}

		current := cloneRoster(event.Participants)
		updated, changed, err := mutate(current)
		if err != nil {
			return models.Event{}, err
		}
		if !changed {
			return event, nil
		}

		result := r.db.WithContext(ctx).Model(&models.Event{}).
			Where("id = ?", id).
			Where("version = ?", event.Version).
			Updates(map[string]interface{}{
				"participants": updated,
				"version":      event.Version + 1,
			})
		if result.Error != nil {
			return models.Event{}, result.Error
		}

		if result.RowsAffected == 1 {
			event.Participants = updated
			event.Version++
			return event, nil
		}
	}

	return models.Event{}, ErrRosterConflict
}

func cloneRoster(roster models.Roster) models.Roster {
	if roster == nil {
		return nil
	}

	cloned := make(models.Roster, 0, len(roster))
	for _, entry := range roster {
		entry.Students = append([]uint(nil), entry.Students...)
		cloned = append(cloned, entry)
	}

	return cloned
}
