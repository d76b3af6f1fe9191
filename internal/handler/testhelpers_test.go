package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/handler"
	"github.com/noah-isme/schoolhub-participation/internal/middleware"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/repository"
	"github.com/noah-isme/schoolhub-participation/internal/service"
)

// Test identities are passed as headers and copied into the locals the JWT middleware would set.
const (
	headerUser   = "X-Test-User"
	headerRoles  = "X-Test-Roles"
	headerSchool = "X-Test-School"
)

type identity struct {
	userID   uint
	roles    []string
	schoolID uint
}

func asStudent(s models.Student) identity {
	return identity{userID: s.UserID, roles: []string{service.RoleStudent}}
}

func asSchoolAdmin(userID, schoolID uint) identity {
	return identity{userID: userID, roles: []string{service.RoleSchoolAdmin}, schoolID: schoolID}
}

func asSuperAdmin() identity {
	return identity{userID: 1, roles: []string{service.RoleSuperAdmin}}
}

type testStack struct {
	t        *testing.T
	db       *gorm.DB
	app      *fiber.App
	events   repository.EventRepository
	requests repository.ParticipationRequestRepository
	feed     *signalingFeed
}

// signalingFeed reports every live subscription so tests publish only after the socket is listening.
type signalingFeed struct {
	service.ParticipationFeed
	subscribed chan uint
}

func (f *signalingFeed) Subscribe(eventID uint) (<-chan dto.ParticipationFeedMessage, func()) {
	ch, cleanup := f.ParticipationFeed.Subscribe(eventID)
	f.subscribed <- eventID
	return ch, cleanup
}

// newTestStack wires the real services over sqlite; swaps replace collaborators before the handlers are built.
func newTestStack(t *testing.T, swaps ...func(*service.ParticipationDependencies)) *testStack {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Event{}, &models.Student{}, &models.ParticipationRequest{}, &models.ActivityLog{}))

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())

	events := repository.NewEventRepository(db)
	requests := repository.NewParticipationRequestRepository(db)
	activity := service.NewActivityService(repository.NewActivityLogRepository(db), logger)
	locker := service.NewLocalAdmissionLocker(time.Second)
	roster := service.NewRosterService(events, requests, activity, locker, logger)
	feed := &signalingFeed{
		ParticipationFeed: service.NewParticipationFeed(nil, "", nil, logger),
		subscribed:        make(chan uint, 8),
	}

	deps := service.ParticipationDependencies{
		Events:    events,
		Requests:  requests,
		Students:  repository.NewStudentRepository(db),
		Roster:    roster,
		Locker:    locker,
		Publisher: feed,
		Activity:  activity,
	}
	for _, swap := range swaps {
		swap(&deps)
	}

	app := fiber.New()
	app.Use(injectIdentity)

	handler.NewParticipationHandler(
		service.NewParticipationService(deps, logger),
		service.NewParticipationViewService(events, requests, logger),
		roster,
		feed,
		logger,
	).Register(app.Group("/api/v1/events"), nil, []fiber.Handler{middleware.RequireRole(service.RoleSuperAdmin)})
	handler.NewParticipationAdminHandler(service.NewParticipationApprovalService(deps, validate, logger), validate, logger).
		Register(app.Group("/api/v1/participation-requests"))
	handler.NewAdminActivityHandler(activity, logger).Register(app.Group("/api/admin/activity"))

	return &testStack{t: t, db: db, app: app, events: events, requests: requests, feed: feed}
}

func injectIdentity(c *fiber.Ctx) error {
	if raw := c.Get(headerUser); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err == nil {
			c.Locals(middleware.LocalUserID, uint(id))
		}
	}
	if raw := c.Get(headerRoles); raw != "" {
		var roles []string
		if err := json.Unmarshal([]byte(raw), &roles); err == nil && len(roles) > 0 {
			c.Locals(middleware.LocalUserRole, roles[0])
			c.Locals(middleware.LocalUserRoles, roles)
		}
	}
	if raw := c.Get(headerSchool); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err == nil {
			c.Locals(middleware.LocalSchoolID, uint(id))
		}
	}
	return c.Next()
}

type failingRoster struct {
	service.RosterService
}

func (failingRoster) AddSeat(context.Context, uint, uint, uint, time.Time, service.EnrollContact) error {
	return errors.New("roster store unavailable")
}

type unreachableStudents struct {
	repository.StudentRepository
}

func (unreachableStudents) GetByUserID(context.Context, uint) (models.Student, error) {
	return models.Student{}, errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}

type eventOption func(*models.Event)

func withCapacity(limit int) eventOption {
	return func(e *models.Event) { e.MaxParticipants = &limit }
}

func withCreator(userID uint) eventOption {
	return func(e *models.Event) { e.CreatorID = userID }
}

func (s *testStack) event(opts ...eventOption) models.Event {
	s.t.Helper()
	event := models.Event{
		Title:     "Regional robotics cup",
		Date:      time.Now().Add(30 * 24 * time.Hour),
		CreatorID: 500,
		Status:    models.EventStatusApproved,
	}
	for _, opt := range opts {
		opt(&event)
	}
	require.NoError(s.t, s.events.Create(context.Background(), &event))
	return event
}

func (s *testStack) student(id, schoolID uint, grade string) models.Student {
	s.t.Helper()
	student := models.Student{ID: id, UserID: id + 1000, SchoolID: schoolID, Grade: grade}
	require.NoError(s.t, s.db.Create(&student).Error)
	return student
}

func (s *testStack) row(student models.Student, eventID uint, status models.ParticipationStatus) models.ParticipationRequest {
	s.t.Helper()
	row := models.ParticipationRequest{
		StudentID:   student.ID,
		EventID:     eventID,
		SchoolID:    student.SchoolID,
		Status:      status,
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(s.t, s.requests.Create(context.Background(), &row))
	return row
}

func (s *testStack) reload(id uint) models.ParticipationRequest {
	s.t.Helper()
	row, err := s.requests.GetByID(context.Background(), id)
	require.NoError(s.t, err)
	return row
}

func (s *testStack) do(method, path string, who *identity, body interface{}) (*http.Response, map[string]interface{}) {
	s.t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who != nil {
		roles, err := json.Marshal(who.roles)
		require.NoError(s.t, err)
		req.Header.Set(headerUser, strconv.FormatUint(uint64(who.userID), 10))
		req.Header.Set(headerRoles, string(roles))
		if who.schoolID != 0 {
			req.Header.Set(headerSchool, strconv.FormatUint(uint64(who.schoolID), 10))
		}
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)

	payload := map[string]interface{}{}
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(s.t, json.Unmarshal(raw, &payload), string(raw))
	}
	return resp, payload
}

func ref(i identity) *identity {
	return &i
}

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)
	return schema
}

func dataOf(t *testing.T, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, ok := payload["data"].(map[string]interface{})
	require.True(t, ok, "missing data in %v", payload)
	return data
}
