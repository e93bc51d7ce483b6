package api

import (
	"context"
	"fmt"
	"net/http"
)

type contextKey string

const userIdKey contextKey = "user-id"

// WithUserId attaches the authenticated account id to ctx.
func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)
	return userId, ok && userId != ""
}

// sessionUserId is the caller of a route behind authMiddleware.
func sessionUserId(r *http.Request) string {
	userId, _ := UserId(r.Context())
	return userId
}

func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			panicErr, ok := rec.(error)
			if !ok {
				panicErr = fmt.Errorf("%v", rec)
			}

			fields := []any{"error", panicErr, "method", r.Method, "path", r.URL.Path}
			if userId, ok := UserId(r.Context()); ok {
				fields = append(fields, "user_id", userId)
			}
			s.log.Errorw("panic", fields...)

			errResp := NewInternalServerError(panicErr)
			w.Header().Set("Connection", "close")
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware admits requests carrying a valid session cookie and puts
// the account id in the request context. Responses are never cached since
// they are per user.
func (s *GoChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			s.unauthorized(w)
			return
		}

		userId, err := s.extractUserIdFromToken(tokenCookie.Value)
		if err != nil {
			s.log.Infow("rejected session token", "path", r.URL.Path, "error", err)
			s.unauthorized(w)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}

func (s *GoChatApp) unauthorized(w http.ResponseWriter) {
	errResp := NewUnauthorizedError()
	s.writeJson(w, errResp.StatusCode, errResp)
}
