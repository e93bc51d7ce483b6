package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatsync/internal/api"
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
	"go.uber.org/zap"
)

const (
	shutdownTimeout  = 10 * time.Second
	memoryBlobPrefix = "/blobs"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "server address")
	flag.StringVar(&dsn, "dsn", "", "database connection string")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	cfg, err := config.Load(configPath, config.Flags{
		ServerAddr:     addr,
		DatabaseDSN:    dsn,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	log := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, closeDb, err := openRepository(cfg, log)
	if err != nil {
		return err
	}
	defer closeDb()

	transport, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	blobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	if mem, ok := blobs.(*blob.MemoryStore); ok {
		mux.Handle("GET "+memoryBlobPrefix+"/", http.StripPrefix(memoryBlobPrefix, mem))
	}

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	roomHub := hub.NewRoomHub(transport, statsUpdater, logger)
	defer roomHub.Close()

	rooms := chat.NewDirectory(db)
	store := chat.NewMessageStore(db, rooms, roomHub, blobs, statsUpdater, logger, chat.StoreOptions{
		PageLimit:     cfg.PageLimit,
		MaxUploadSize: cfg.MaxUploadSize,
	})
	pipeline := chat.NewPipeline(db, rooms, roomHub, blobs, statsUpdater, logger, chat.PurgeMode(cfg.PurgeMode), nil)
	ledger := chat.NewLedger(db, rooms, roomHub, statsUpdater, logger, nil)
	storySvc := stories.NewService(db, blobs, roomHub, statsUpdater, logger, nil)

	tracker := presence.NewTracker(db, logger, cfg.HeartbeatInterval, nil)
	go tracker.Run(ctx)

	chatServer, err := server.NewChatServer(logger, server.Services{
		Hub:      roomHub,
		Rooms:    rooms,
		Store:    store,
		Pipeline: pipeline,
		Ledger:   ledger,
		Presence: tracker,
	}, statsUpdater, server.Options{
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}
	go chatServer.Run()

	srv := api.NewGoChatApp(mux, logger, chatServer, db, statsUpdater, api.Services{
		Rooms:    rooms,
		Store:    store,
		Pipeline: pipeline,
		Ledger:   ledger,
		Stories:  storySvc,
		Presence: tracker,
	}, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		log.Errorw("server stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	log.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}
	tracker.Wait()

	log.Info("shutdown complete")
	return nil
}

func openRepository(cfg *config.Config, log *zap.SugaredLogger) (database.GoChatRepository, func(), error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory store, data is lost on exit")
		return database.NewMemoryRepository(), func() {}, nil
	}

	pg, err := database.NewPgGoChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}

	return pg, func() {
		if err := pg.Close(); err != nil {
			log.Errorw("db close", "error", err)
		}
	}, nil
}

func openTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pubsub.Transport, error) {
	if cfg.Transport == "redis" {
		t, err := pubsub.NewRedisTransport(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		return t, nil
	}
	return pubsub.NewLocalTransport(), nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (blob.Store, error) {
	if cfg.Blob == "minio" {
		s, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			PublicURL: cfg.Minio.PublicURL,
			UseSSL:    cfg.Minio.UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		return s, nil
	}
	return blob.NewMemoryStore("http://" + cfg.ServerAddr + memoryBlobPrefix), nil
}
