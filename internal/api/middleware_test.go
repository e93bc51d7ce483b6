package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedApp(level zapcore.Level) (*GoChatApp, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &GoChatApp{
		log:        zap.New(core).Sugar(),
		signingKey: []byte("test-signing-key"),
	}, logs
}

func TestErrorHandler_PanicRecovery(t *testing.T) {
	app, logs := observedApp(zapcore.ErrorLevel)

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	require.Equal(t, 1, logs.FilterMessage("panic").Len())
	assert.Equal(t, "test panic", logs.All()[0].ContextMap()["error"])
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app, _ := observedApp(zapcore.ErrorLevel)

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	app, logs := observedApp(zapcore.InfoLevel)

	tokenHandler := func(w http.ResponseWriter, r *http.Request) {
		userId, ok := UserId(r.Context())
		if !ok {
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(userId))
	}

	t.Run("valid token", func(t *testing.T) {
		token, err := app.createJwtForSession(types.User{Id: "user-1", Username: "test"}, defaultJwtExpiration)
		require.NoError(t, err, "failed to create jwt token")

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(createJwtCookie(token, defaultJwtExpiration))
		app.authMiddleware(tokenHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "user-1", rr.Body.String())
		assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
	})

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		app.authMiddleware(tokenHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{
			Name:  tokenCookieKey,
			Value: "invalid-token",
		})
		app.authMiddleware(tokenHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		rejected := logs.FilterMessage("rejected session token")
		require.Equal(t, 1, rejected.Len())
		assert.Equal(t, "/", rejected.All()[0].ContextMap()["path"])
	})
}

func TestErrorHandler_PanicLogsSessionUser(t *testing.T) {
	app, logs := observedApp(zapcore.ErrorLevel)

	handler := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms/public/messages", nil)
	handler.ServeHTTP(rr, req.WithContext(WithUserId(req.Context(), "user-7")))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "user-7", fields["user_id"])
}

func Test_sessionUserId(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, sessionUserId(req))

	req = req.WithContext(WithUserId(req.Context(), "user-1"))
	assert.Equal(t, "user-1", sessionUserId(req))

	_, ok := UserId(WithUserId(req.Context(), ""))
	assert.False(t, ok, "an empty id is no session")
}
