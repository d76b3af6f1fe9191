package service

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/observability"
)

func TestSelfApprovedSubmitKeepsLedgerRowWhenRosterWriteFails(t *testing.T) {
	f := newFixture(t)
	student := f.student(1, 100, "10")
	event := f.event(withCreator(student.UserID))
	submit := f.submitWith(func(d *ParticipationDependencies) {
		d.Roster = failingRoster{RosterService: f.roster}
	})

	observability.RegisterMetrics()
	failures := observability.RosterSyncFailures().WithLabelValues("submit")
	before := testutil.ToFloat64(failures)

	result, err := submit.Submit(context.Background(), studentPrincipal(student), event.ID)
	require.NoError(t, err)
	require.True(t, result.AutoApproved)
	require.Equal(t, string(models.ParticipationStatusApproved), result.Request.Status)
	require.Equal(t, before+1, testutil.ToFloat64(failures))

	stored := f.reload(result.Request.ID)
	require.Equal(t, models.ParticipationStatusApproved, stored.Status)
	require.NotNil(t, stored.EnrollmentConfirmedAt)

	updated, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Empty(t, updated.Participants)

	// The drift is left for reconciliation to repair.
	report, err := f.roster.Reconcile(context.Background(), systemActor, event.ID)
	require.NoError(t, err)
	require.Equal(t, []uint{student.ID}, report.Added)
}

func TestEnrollKeepsLedgerRowWhenRosterWriteFails(t *testing.T) {
	f := newFixture(t)
	event := f.event()
	student := f.student(1, 100, "10")
	row := f.pending(student, event.ID)
	_, err := f.approval.Decide(context.Background(), superAdmin(), row.ID, ApproveDecision{})
	require.NoError(t, err)

	approval := f.approvalWith(func(d *ParticipationDependencies) {
		d.Roster = failingRoster{RosterService: f.roster}
	})

	observability.RegisterMetrics()
	failures := observability.RosterSyncFailures().WithLabelValues("enroll")
	before := testutil.ToFloat64(failures)

	response, err := approval.Enroll(context.Background(), schoolAdmin(40, 100), row.ID, EnrollContact{ContactPerson: "Ms Rivera"})
	require.NoError(t, err)
	require.Equal(t, string(models.ParticipationStatusEnrolled), response.Status)
	require.Equal(t, before+1, testutil.ToFloat64(failures))

	stored := f.reload(row.ID)
	require.Equal(t, models.ParticipationStatusEnrolled, stored.Status)
	require.NotNil(t, stored.EnrollmentConfirmedAt)

	updated, err := f.events.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Empty(t, updated.Participants)
}
