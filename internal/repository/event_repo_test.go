package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/schoolhub-participation/internal/models"
)

func TestEventRepositoryUpdateRosterBumpsVersion(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	event := models.Event{Title: "Science Fair", CreatorID: 1, Status: models.EventStatusApproved, MaxParticipants: intPtr(10)}
	require.NoError(t, repo.Create(ctx, &event))

	joined := time.Now().UTC().Truncate(time.Second)
	updated, err := repo.UpdateRoster(ctx, event.ID, func(roster models.Roster) (models.Roster, bool, error) {
		return append(roster, models.RosterEntry{SchoolID: 7, Students: []uint{3}, JoinedAt: joined, ContactPerson: "Ms. Rahma"}), true, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)

	reloaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), reloaded.Version)
	require.Len(t, reloaded.Participants, 1)
	require.Equal(t, uint(7), reloaded.Participants[0].SchoolID)
	require.Equal(t, []uint{3}, reloaded.Participants[0].Students)
	require.Equal(t, "Ms. Rahma", reloaded.Participants[0].ContactPerson)
}

func TestEventRepositoryUpdateRosterRetriesOnVersionClash(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	event := models.Event{Title: "Debate Cup", CreatorID: 1, Status: models.EventStatusApproved}
	require.NoError(t, repo.Create(ctx, &event))

	calls := 0
	updated, err := repo.UpdateRoster(ctx, event.ID, func(roster models.Roster) (models.Roster, bool, error) {
		calls++
		if calls == 1 {
			// Simulate a concurrent writer landing between read and write.
			require.NoError(t, db.Model(&models.Event{}).Where("id = ?", event.ID).Update("version", 5).Error)
		}
		return append(roster, models.RosterEntry{SchoolID: 1, Students: []uint{9}}), true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, int64(6), updated.Version)
	require.Len(t, updated.Participants, 1)
}

func TestEventRepositoryUpdateRosterSkipsUnchanged(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	event := models.Event{Title: "Chess Open", CreatorID: 1, Status: models.EventStatusApproved}
	require.NoError(t, repo.Create(ctx, &event))

	updated, err := repo.UpdateRoster(ctx, event.ID, func(roster models.Roster) (models.Roster, bool, error) {
		return roster, false, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), updated.Version)
}

func TestEventRepositoryListApprovedIDs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)
	ctx := context.Background()

	approved := models.Event{Title: "Open", CreatorID: 1, Status: models.EventStatusApproved}
	pending := models.Event{Title: "Draft", CreatorID: 1, Status: models.EventStatusPending}
	require.NoError(t, repo.Create(ctx, &approved))
	require.NoError(t, repo.Create(ctx, &pending))

	ids, err := repo.ListApprovedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint{approved.ID}, ids)
}
