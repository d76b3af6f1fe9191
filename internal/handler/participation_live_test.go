package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/models"
	"github.com/noah-isme/schoolhub-participation/internal/service"
)

func startFiberServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	})

	return "ws://" + listener.Addr().String()
}

func dialLive(t *testing.T, baseURL string, eventID uint, who identity) *websocket.Conn {
	t.Helper()

	roles, err := json.Marshal(who.roles)
	require.NoError(t, err)
	header := http.Header{}
	header.Set(headerUser, strconv.FormatUint(uint64(who.userID), 10))
	header.Set(headerRoles, string(roles))
	if who.schoolID != 0 {
		header.Set(headerSchool, strconv.FormatUint(uint64(who.schoolID), 10))
	}

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(fmt.Sprintf("%s/api/v1/events/%d/live", baseURL, eventID), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func awaitSubscription(t *testing.T, stack *testStack, eventID uint) {
	t.Helper()
	select {
	case subscribed := <-stack.feed.subscribed:
		require.Equal(t, eventID, subscribed)
	case <-time.After(2 * time.Second):
		t.Fatal("live handler never subscribed")
	}
}

func TestLiveFeedStreamsDecisions(t *testing.T) {
	stack := newTestStack(t)
	event := stack.event()
	student := stack.student(1, 7, "10")
	row := stack.row(student, event.ID, models.ParticipationStatusPending)
	baseURL := startFiberServer(t, stack.app)

	conn := dialLive(t, baseURL, event.ID, asSuperAdmin())
	awaitSubscription(t, stack, event.ID)

	resp, _ := stack.do(http.MethodPatch, "/api/v1/participation-requests", ref(asSuperAdmin()), map[string]interface{}{
		"requestId": row.ID,
		"action":    "APPROVE",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var message dto.ParticipationFeedMessage
	require.NoError(t, conn.ReadJSON(&message))
	require.Equal(t, row.ID, message.RequestID)
	require.Equal(t, service.FeedActionApproved, message.Action)
	require.Equal(t, "APPROVED", message.Status)
}

func TestLiveFeedScopesSchoolAdminsToTheirSchool(t *testing.T) {
	stack := newTestStack(t)
	event := stack.event()
	baseURL := startFiberServer(t, stack.app)

	conn := dialLive(t, baseURL, event.ID, asSchoolAdmin(40, 7))
	awaitSubscription(t, stack, event.ID)

	stack.feed.Publish(context.Background(), dto.ParticipationFeedMessage{EventID: event.ID, RequestID: 1, SchoolID: 8, Action: service.FeedActionSubmitted})
	stack.feed.Publish(context.Background(), dto.ParticipationFeedMessage{EventID: event.ID, RequestID: 2, SchoolID: 7, Action: service.FeedActionSubmitted})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var message dto.ParticipationFeedMessage
	require.NoError(t, conn.ReadJSON(&message))
	require.Equal(t, uint(2), message.RequestID)
}

func TestLiveFeedClosesForStudents(t *testing.T) {
	stack := newTestStack(t)
	event := stack.event()
	student := stack.student(1, 7, "10")
	baseURL := startFiberServer(t, stack.app)

	conn := dialLive(t, baseURL, event.ID, asStudent(student))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), err.Error())
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.True(t, strings.Contains(closeErr.Text, "permissions"))
}
