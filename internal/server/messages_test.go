package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoErrOk(t *testing.T) {
	result := NoErrOK(1, map[string]any{
		"testkey": "testvalue",
	})

	require.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data, "expected Data to match")
	assert.Empty(t, result.Response.Error)
}

func TestErrorResponses(t *testing.T) {
	tcases := []struct {
		name     string
		msg      *ServerMessage
		wantCode int
		wantErr  string
	}{
		{"accepted", NoErrAccepted(2), http.StatusAccepted, ""},
		{"internal", ErrInternalError(2), http.StatusInternalServerError, "internal server error"},
		{"unavailable", ErrServiceUnavailable(2), http.StatusServiceUnavailable, "service unavailable"},
		{"rate limited", ErrTooManyRequests(2), http.StatusTooManyRequests, "too many requests"},
		{"not subscribed", ErrNotSubscribed(2), http.StatusConflict, "not subscribed to room"},
		{"invalid message", ErrInvalidMessage(2), http.StatusBadRequest, "invalid message format"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Response)
			assert.Equal(t, 2, tc.msg.Id)
			assert.Equal(t, tc.wantCode, tc.msg.Response.ResponseCode)
			assert.Equal(t, tc.wantErr, tc.msg.Response.Error)
		})
	}

	t.Run("invalid message without id", func(t *testing.T) {
		msg := ErrInvalidMessage(-1)
		assert.Equal(t, 0, msg.Id)
	})
}

func TestErrFromError(t *testing.T) {
	tcases := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"validation", errs.Validation("Send", "message is empty"), http.StatusBadRequest, "message is empty"},
		{"not found", errs.NotFound("GetMessage", "message not found"), http.StatusNotFound, "not found"},
		{"forbidden", errs.Forbidden("CheckAccess", "not a member"), http.StatusForbidden, "forbidden"},
		{"conflict", errs.New(errs.KindConflict, "CreateAccount", "taken"), http.StatusConflict, "conflict"},
		{"unavailable", errs.Unavailable("Send", errors.New("connection refused")), http.StatusServiceUnavailable, "service unavailable"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			msg := ErrFromError(5, tc.err)
			require.NotNil(t, msg.Response)
			assert.Equal(t, 5, msg.Id)
			assert.Equal(t, tc.wantCode, msg.Response.ResponseCode)
			assert.Equal(t, tc.wantErr, msg.Response.Error)
		})
	}

	t.Run("storage details are not leaked", func(t *testing.T) {
		msg := ErrFromError(1, errs.Unavailable("Send", errors.New("dial tcp 10.0.0.3:5432")))
		assert.NotContains(t, msg.Response.Error, "10.0.0.3")
	})
}

func TestNotifications(t *testing.T) {
	msg := PresenceNotification("b", true)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, &Presence{Present: true, UserId: "b"}, msg.Notification.Presence)
	assert.Nil(t, msg.Response)

	msg = ResyncNotification("a_b")
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "a_b", msg.Notification.Resync.RoomId)
}

func TestEventMessageRoundTrip(t *testing.T) {
	msg := EventMessage(hub.RoomEvent{RoomId: "public", Event: hub.Delete{MessageId: 12}})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded ServerMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Event)
	assert.Equal(t, "public", decoded.Event.RoomId)
	assert.Equal(t, hub.Delete{MessageId: 12}, decoded.Event.Event)
}

func TestClientMessageDecoding(t *testing.T) {
	raw := `{"id":3,"publish":{"room_id":"a_b","content":"hi","reply_to_id":9,"client_token":"t1"}}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, 3, msg.Id)
	require.NotNil(t, msg.Publish)
	assert.Equal(t, "a_b", msg.Publish.RoomId)
	assert.Equal(t, "hi", *msg.Publish.Content)
	assert.Equal(t, int64(9), *msg.Publish.ReplyToId)
	assert.Equal(t, "t1", msg.Publish.ClientToken)
	assert.Nil(t, msg.Join)
}
