package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/blob"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/hub"
	"github.com/npezzotti/go-chatsync/internal/presence"
	"github.com/npezzotti/go-chatsync/internal/pubsub"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/stories"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/require"
)

var testConfig = &config.Config{
	ServerAddr:     "localhost:8080",
	SigningKey:     []byte("test-signing-key"),
	AllowedOrigins: []string{"http://localhost:3000"},
	MaxUploadSize:  1024,
}

// findCookie returns the named cookie of a recorded response, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

// newEngine wires the engine services on db the way main does.
func newEngine(t *testing.T, db database.GoChatRepository) (Services, *server.ChatServer, *blob.MemoryStore) {
	t.Helper()

	logger := testutil.TestLogger(t)
	tr := pubsub.NewLocalTransport()
	h := hub.NewRoomHub(tr, stats.NopStats{}, logger)
	t.Cleanup(func() {
		h.Close()
		tr.Close()
	})

	blobs := blob.NewMemoryStore("http://blob.test")
	rooms := chat.NewDirectory(db)
	svc := Services{
		Rooms:    rooms,
		Store:    chat.NewMessageStore(db, rooms, h, blobs, stats.NopStats{}, logger, chat.StoreOptions{MaxUploadSize: testConfig.MaxUploadSize}),
		Pipeline: chat.NewPipeline(db, rooms, h, blobs, stats.NopStats{}, logger, chat.PurgeHard, nil),
		Ledger:   chat.NewLedger(db, rooms, h, stats.NopStats{}, logger, nil),
		Stories:  stories.NewService(db, blobs, h, stats.NopStats{}, logger, nil),
		Presence: presence.NewTracker(db, logger, time.Minute, nil),
	}

	cs, err := server.NewChatServer(logger, server.Services{
		Hub:      h,
		Rooms:    svc.Rooms,
		Store:    svc.Store,
		Pipeline: svc.Pipeline,
		Ledger:   svc.Ledger,
		Presence: svc.Presence,
	}, stats.NopStats{}, server.Options{})
	require.NoError(t, err)

	return svc, cs, blobs
}

type testApp struct {
	app   *GoChatApp
	db    *database.MemoryRepository
	blobs *blob.MemoryStore
}

// newTestApp serves the full route table on an in-memory repository with
// accounts a, b and c.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	db := database.NewMemoryRepository()
	for _, id := range []string{"a", "b", "c"} {
		_, err := db.CreateAccount(context.Background(), database.CreateAccountParams{
			Id:           id,
			Username:     "user-" + id,
			EmailAddress: id + "@example.com",
			PasswordHash: "x",
		})
		require.NoError(t, err)
	}

	svc, cs, blobs := newEngine(t, db)
	app := NewGoChatApp(http.NewServeMux(), testutil.TestLogger(t), cs, db, nil, svc, testConfig)
	return &testApp{app: app, db: db, blobs: blobs}
}

// do sends an authenticated request as userId through the full handler
// chain. A non-reader body is JSON encoded.
func (ta *testApp) do(t *testing.T, userId, method, path string, body any, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch v := body.(type) {
	case nil:
	case io.Reader:
		r = v
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		r = bytes.NewReader(b)
		contentType = "application/json"
	}

	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userId != "" {
		token, err := ta.app.createJwtForSession(types.User{Id: userId}, defaultJwtExpiration)
		require.NoError(t, err)
		req.AddCookie(createJwtCookie(token, defaultJwtExpiration))
	}

	rr := httptest.NewRecorder()
	ta.app.mux.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}
