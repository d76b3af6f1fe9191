package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/models"
)

var systemActor = ActivityActor{Role: "system"}

func TestReconcileRebuildsRosterFromConfirmedSeats(t *testing.T) {
	f := newFixture(t)
	joined := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	event := f.event(withRoster(models.Roster{
		{SchoolID: 100, Students: []uint{1, 99}, JoinedAt: joined, ContactPerson: "Bu Sari", ContactPhone: "021-555"},
		{SchoolID: 400, Students: []uint{40}},
	}))

	a := f.student(1, 100, "10")
	b := f.student(2, 100, "10")
	c := f.student(3, 300, "10")
	d := f.student(4, 300, "10")

	confirmedAt := f.now.Add(-time.Hour)
	for _, student := range []models.Student{a, b, c} {
		row := f.pending(student, event.ID)
		row.Status = models.ParticipationStatusEnrolled
		row.EnrollmentConfirmedAt = &confirmedAt
		require.NoError(t, f.requests.TransitionStatus(context.Background(), &row, models.ParticipationStatusPending))
	}
	// Approved but not yet confirmed: not a roster seat.
	rowD := f.pending(d, event.ID)
	_, err := f.approval.Decide(context.Background(), superAdmin(), rowD.ID, ApproveDecision{})
	require.NoError(t, err)

	report, err := f.roster.Reconcile(context.Background(), systemActor, event.ID)
	require.NoError(t, err)
	require.True(t, report.Changed)
	require.ElementsMatch(t, []uint{2, 3}, report.Added)
	require.ElementsMatch(t, []uint{99, 40}, report.Removed)
	require.Equal(t, []uint{300}, report.SchoolsAdded)
	require.Equal(t, []uint{400}, report.SchoolsRemoved)
	require.Equal(t, 3, report.ConfirmedSeats)
	require.Equal(t, 3, report.RosterSeatsPrev)

	stored, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, stored.Participants, 2)

	kept := stored.Participants[0]
	require.Equal(t, uint(100), kept.SchoolID)
	require.Equal(t, []uint{1, 2}, kept.Students)
	require.Equal(t, "Bu Sari", kept.ContactPerson)
	require.True(t, joined.Equal(kept.JoinedAt))

	added := stored.Participants[1]
	require.Equal(t, uint(300), added.SchoolID)
	require.Equal(t, []uint{3}, added.Students)
	require.True(t, confirmedAt.Equal(added.JoinedAt))

	logs, err := f.activity.List(context.Background(), dto.ActivityListRequest{Action: models.ActivityRosterReconciled})
	require.NoError(t, err)
	require.Len(t, logs.Items, 1)
}

func TestReconcileWithoutDriftLeavesVersion(t *testing.T) {
	f := newFixture(t)
	student := f.student(1, 100, "10")
	event := f.event(withCreator(student.UserID))

	_, err := f.submit.Submit(context.Background(), studentPrincipal(student), event.ID)
	require.NoError(t, err)

	before, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)

	report, err := f.roster.Reconcile(context.Background(), systemActor, event.ID)
	require.NoError(t, err)
	require.False(t, report.Changed)
	require.Empty(t, report.Added)
	require.Empty(t, report.Removed)

	after, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
}

func TestReconcileMissingEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.roster.Reconcile(context.Background(), systemActor, 9999)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestReconcileAllCoversApprovedEvents(t *testing.T) {
	f := newFixture(t)
	open := f.event(withRoster(models.Roster{{SchoolID: 100, Students: []uint{5}}}))
	f.event(withStatus(models.EventStatusPending), withRoster(models.Roster{{SchoolID: 100, Students: []uint{6}}}))

	reports, err := f.roster.ReconcileAll(context.Background(), systemActor)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, open.ID, reports[0].EventID)
	require.Equal(t, []uint{5}, reports[0].Removed)
}

func TestRemoveSeatDropsEmptyEntry(t *testing.T) {
	mutate := removeSeatMutation(100, 1)

	updated, changed, err := mutate(models.Roster{
		{SchoolID: 100, Students: []uint{1}},
		{SchoolID: 200, Students: []uint{2}},
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Len(t, updated, 1)
	require.Equal(t, uint(200), updated[0].SchoolID)

	_, changed, err = mutate(updated)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestAddSeatIsIdempotent(t *testing.T) {
	mutate := addSeatMutation(100, 1, time.Now(), EnrollContact{})

	updated, changed, err := mutate(nil)
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = mutate(updated)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestReconcileWaitsForEnrollmentInFlight(t *testing.T) {
	f := newFixture(t)
	event := f.event()
	student := f.student(1, 100, "10")
	row := f.pending(student, event.ID)
	_, err := f.approval.Decide(context.Background(), superAdmin(), row.ID, ApproveDecision{})
	require.NoError(t, err)

	locker := &signalingLocker{AdmissionLocker: NewLocalAdmissionLocker(2 * time.Second), attempts: make(chan uint, 4)}
	requests := &hookedRequests{ParticipationRequestRepository: f.requests}
	roster := NewRosterService(f.events, requests, f.activity, locker, testLogger())
	approval := f.approvalWith(func(d *ParticipationDependencies) {
		d.Locker = locker
		d.Roster = roster
	})

	enrolled := make(chan error, 1)
	requests.afterList = func() {
		<-locker.attempts
		go func() {
			_, err := approval.Enroll(context.Background(), schoolAdmin(40, 100), row.ID, EnrollContact{ContactPerson: "Ms Rivera", ContactPhone: "555"})
			enrolled <- err
		}()
		// The enrollment is queued behind the reconciliation before the stale rows are used.
		<-locker.attempts
	}

	_, err = roster.Reconcile(context.Background(), systemActor, event.ID)
	require.NoError(t, err)
	require.NoError(t, <-enrolled)

	require.Equal(t, models.ParticipationStatusEnrolled, f.reload(row.ID).Status)
	stored, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, stored.Participants, 1)
	require.Equal(t, []uint{student.ID}, stored.Participants[0].Students)
	require.Equal(t, "Ms Rivera", stored.Participants[0].ContactPerson)
	require.Equal(t, "555", stored.Participants[0].ContactPhone)

	report, err := roster.Reconcile(context.Background(), systemActor, event.ID)
	require.NoError(t, err)
	require.False(t, report.Changed)
}

func TestReconcileRelistsLedgerAfterVersionClash(t *testing.T) {
	f := newFixture(t)
	event := f.event(withRoster(models.Roster{{SchoolID: 400, Students: []uint{40}}}))
	student := f.student(1, 100, "10")
	row := f.pending(student, event.ID)
	_, err := f.approval.Decide(context.Background(), superAdmin(), row.ID, ApproveDecision{})
	require.NoError(t, err)

	// No shared lock: the enrollment commits between the ledger read and the roster write,
	// so the first write clashes on version and the rebuild runs again.
	requests := &hookedRequests{ParticipationRequestRepository: f.requests}
	roster := NewRosterService(f.events, requests, f.activity, nil, testLogger())
	requests.afterList = func() {
		_, err := f.approval.Enroll(context.Background(), schoolAdmin(40, 100), row.ID, EnrollContact{ContactPerson: "Ms Rivera"})
		require.NoError(t, err)
	}

	_, err = roster.Reconcile(context.Background(), systemActor, event.ID)
	require.NoError(t, err)

	stored, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, stored.Participants, 1)
	require.Equal(t, uint(100), stored.Participants[0].SchoolID)
	require.Equal(t, []uint{student.ID}, stored.Participants[0].Students)
	require.Equal(t, "Ms Rivera", stored.Participants[0].ContactPerson)
}
