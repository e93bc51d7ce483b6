package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/presence"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/stories"
	"go.uber.org/zap"
)

// Services are the engine components behind the HTTP routes.
type Services struct {
	Rooms    *chat.Directory
	Store    *chat.MessageStore
	Pipeline *chat.Pipeline
	Ledger   *chat.Ledger
	Stories  *stories.Service
	Presence *presence.Tracker
}

type GoChatApp struct {
	log            *zap.SugaredLogger
	db             database.GoChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	stats          *stats.StatsUpdater
	svc            Services
	signingKey     []byte
	allowedOrigins []string
	maxUploadSize  int64
}

func NewGoChatApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, db database.GoChatRepository, su *stats.StatsUpdater, svc Services, cfg *config.Config) *GoChatApp {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &GoChatApp{
		log:            logger.Sugar().With("component", "api"),
		db:             db,
		cs:             cs,
		stats:          su,
		svc:            svc,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		maxUploadSize:  cfg.MaxUploadSize,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))

	mux.HandleFunc("GET /api/rooms/{room}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/rooms/{room}/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /api/rooms/{room}/export", s.authMiddleware(s.exportTranscript))
	mux.HandleFunc("POST /api/rooms/{room}/forward", s.authMiddleware(s.forwardMessages))
	mux.HandleFunc("POST /api/groups", s.authMiddleware(s.createGroup))
	mux.HandleFunc("GET /api/groups", s.authMiddleware(s.listGroups))
	mux.HandleFunc("POST /api/groups/{group}/invites", s.authMiddleware(s.inviteMember))
	mux.HandleFunc("POST /api/groups/{group}/accept", s.authMiddleware(s.acceptInvite))
	mux.HandleFunc("GET /api/invites", s.authMiddleware(s.listInvites))

	mux.HandleFunc("POST /api/messages/hide", s.authMiddleware(s.hideMessages))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authMiddleware(s.purgeMessage))
	mux.HandleFunc("GET /api/messages/{id}/readers", s.authMiddleware(s.getReaders))
	mux.HandleFunc("GET /api/messages/{id}/status", s.authMiddleware(s.getStatus))
	mux.HandleFunc("POST /api/receipts", s.authMiddleware(s.markRead))
	mux.HandleFunc("POST /api/attachments", s.authMiddleware(s.uploadAttachment))
	mux.HandleFunc("GET /api/users/{id}/media", s.authMiddleware(s.getMedia))

	mux.HandleFunc("POST /api/stories", s.authMiddleware(s.createStory))
	mux.HandleFunc("GET /api/stories", s.authMiddleware(s.getStories))
	mux.HandleFunc("POST /api/stories/{id}/views", s.authMiddleware(s.recordStoryView))
	mux.HandleFunc("GET /api/stories/{id}/views", s.authMiddleware(s.getStoryViews))
	mux.HandleFunc("DELETE /api/stories/{id}", s.authMiddleware(s.deleteStory))
	mux.HandleFunc("GET /api/close-friends", s.authMiddleware(s.getCloseFriends))
	mux.HandleFunc("PUT /api/close-friends", s.authMiddleware(s.setCloseFriends))

	mux.HandleFunc("GET /api/presence/{id}", s.authMiddleware(s.getPresence))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	if su != nil {
		h = su.Middleware(h)
	}
	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Start() error {
	s.log.Infow("starting server", "addr", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
