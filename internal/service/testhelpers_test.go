package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []dto.ParticipationFeedMessage
}

func (p *recordingPublisher) Publish(ctx context.Context, message dto.ParticipationFeedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *recordingPublisher) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	actions := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		actions = append(actions, m.Action)
	}
	return actions
}

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	now      time.Time
	events   repository.EventRepository
	requests repository.ParticipationRequestRepository
	students repository.StudentRepository
	activity ActivityService
	roster   RosterService
	feed     *recordingPublisher
	submit   ParticipationService
	approval ParticipationApprovalService
	views    ParticipationViewService
	deps     ParticipationDependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Event{}, &models.Student{}, &models.ParticipationRequest{}, &models.ActivityLog{}))

	f := &fixture{
		t:        t,
		db:       db,
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		events:   repository.NewEventRepository(db),
		requests: repository.NewParticipationRequestRepository(db),
		students: repository.NewStudentRepository(db),
		feed:     &recordingPublisher{},
	}
	clock := func() time.Time { return f.now }

	f.activity = NewActivityService(repository.NewActivityLogRepository(db), testLogger())
	locker := NewLocalAdmissionLocker(time.Second)
	roster := NewRosterService(f.events, f.requests, f.activity, locker, testLogger())
	roster.(*rosterService).now = clock
	f.roster = roster

	deps := ParticipationDependencies{
		Events:    f.events,
		Requests:  f.requests,
		Students:  f.students,
		Roster:    f.roster,
		Locker:    locker,
		Publisher: f.feed,
		Activity:  f.activity,
	}

	f.deps = deps
	f.submit = f.submitWith(nil)
	f.approval = f.approvalWith(nil)

	f.views = NewParticipationViewService(f.events, f.requests, testLogger())
	return f
}

// submitWith builds a request workflow over the fixture's stores with some collaborators swapped.
func (f *fixture) submitWith(swap func(*ParticipationDependencies)) ParticipationService {
	deps := f.deps
	if swap != nil {
		swap(&deps)
	}
	submit := NewParticipationService(deps, testLogger())
	submit.(*participationService).now = func() time.Time { return f.now }
	return submit
}

func (f *fixture) approvalWith(swap func(*ParticipationDependencies)) ParticipationApprovalService {
	deps := f.deps
	if swap != nil {
		swap(&deps)
	}
	approval := NewParticipationApprovalService(deps, validator.New(validator.WithRequiredStructEnabled()), testLogger())
	approval.(*participationApprovalService).now = func() time.Time { return f.now }
	return approval
}

// hookedStudents runs after once, right after the first GetByID lookup returns.
type hookedStudents struct {
	repository.StudentRepository
	once  sync.Once
	after func()
}

func (r *hookedStudents) GetByID(ctx context.Context, id uint) (models.Student, error) {
	student, err := r.StudentRepository.GetByID(ctx, id)
	r.once.Do(r.after)
	return student, err
}

// hookedRequests runs the configured callbacks once, after the ledger read they follow.
type hookedRequests struct {
	repository.ParticipationRequestRepository
	findOnce  sync.Once
	listOnce  sync.Once
	afterFind func()
	afterList func()
	afterGet  func(call int)
	gets      int
}

func (r *hookedRequests) GetByID(ctx context.Context, id uint) (models.ParticipationRequest, error) {
	row, err := r.ParticipationRequestRepository.GetByID(ctx, id)
	if r.afterGet != nil {
		r.gets++
		r.afterGet(r.gets)
	}
	return row, err
}

func (r *hookedRequests) FindByStudentAndEvent(ctx context.Context, studentID, eventID uint) (models.ParticipationRequest, error) {
	row, err := r.ParticipationRequestRepository.FindByStudentAndEvent(ctx, studentID, eventID)
	if r.afterFind != nil {
		r.findOnce.Do(r.afterFind)
	}
	return row, err
}

func (r *hookedRequests) ListByEvent(ctx context.Context, eventID uint) ([]models.ParticipationRequest, error) {
	rows, err := r.ParticipationRequestRepository.ListByEvent(ctx, eventID)
	if r.afterList != nil {
		r.listOnce.Do(r.afterList)
	}
	return rows, err
}

// signalingLocker reports every acquisition attempt before it blocks.
type signalingLocker struct {
	AdmissionLocker
	attempts chan uint
}

func (l *signalingLocker) Acquire(ctx context.Context, eventID uint) (func(), error) {
	l.attempts <- eventID
	return l.AdmissionLocker.Acquire(ctx, eventID)
}

type failingRoster struct {
	RosterService
}

func (failingRoster) AddSeat(context.Context, uint, uint, uint, time.Time, EnrollContact) error {
	return errors.New("roster store unavailable")
}

type eventOption func(*models.Event)

func withCapacity(limit int) eventOption {
	return func(e *models.Event) { e.MaxParticipants = &limit }
}

func withSchoolCapacity(limit int) eventOption {
	return func(e *models.Event) { e.MaxParticipantsPerSchool = &limit }
}

func withGrades(grades ...string) eventOption {
	return func(e *models.Event) { e.EligibleGrades = datatypes.JSONSlice[string](grades) }
}

func withDeadline(deadline time.Time) eventOption {
	return func(e *models.Event) { e.RegistrationDeadline = &deadline }
}

func withCreator(userID uint) eventOption {
	return func(e *models.Event) { e.CreatorID = userID }
}

func withStatus(status models.EventStatus) eventOption {
	return func(e *models.Event) { e.Status = status }
}

func withRoster(roster models.Roster) eventOption {
	return func(e *models.Event) { e.Participants = roster }
}

func (f *fixture) event(opts ...eventOption) models.Event {
	f.t.Helper()
	event := models.Event{
		Title:     "Inter-school science fair",
		Date:      f.now.Add(30 * 24 * time.Hour),
		CreatorID: 500,
		Status:    models.EventStatusApproved,
	}
	for _, opt := range opts {
		opt(&event)
	}
	require.NoError(f.t, f.events.Create(context.Background(), &event))
	return event
}

// student creates a profile whose user id is id+1000.
func (f *fixture) student(id, schoolID uint, grade string) models.Student {
	f.t.Helper()
	student := models.Student{ID: id, UserID: id + 1000, SchoolID: schoolID, Grade: grade, Name: fmt.Sprintf("Student %d", id)}
	require.NoError(f.t, f.db.Create(&student).Error)
	return student
}

func (f *fixture) pending(student models.Student, eventID uint) models.ParticipationRequest {
	f.t.Helper()
	row := models.ParticipationRequest{
		StudentID:   student.ID,
		EventID:     eventID,
		SchoolID:    student.SchoolID,
		Status:      models.ParticipationStatusPending,
		RequestedAt: f.now,
	}
	require.NoError(f.t, f.requests.Create(context.Background(), &row))
	return row
}

func (f *fixture) reload(id uint) models.ParticipationRequest {
	f.t.Helper()
	row, err := f.requests.GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return row
}

func (f *fixture) countRows(eventID uint) int64 {
	f.t.Helper()
	var count int64
	require.NoError(f.t, f.db.Model(&models.ParticipationRequest{}).Where("event_id = ?", eventID).Count(&count).Error)
	return count
}

func studentPrincipal(s models.Student) Principal {
	return Principal{UserID: s.UserID, Role: RoleStudent}
}

func schoolAdmin(userID, schoolID uint) Principal {
	return Principal{UserID: userID, Role: RoleSchoolAdmin, SchoolID: &schoolID}
}

func superAdmin() Principal {
	return Principal{UserID: 1, Role: RoleSuperAdmin}
}
