package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"aidoctor/internal/app"
	"aidoctor/internal/config"
	"aidoctor/internal/ratelimit"
	"aidoctor/internal/server"
	"aidoctor/internal/util"
	"aidoctor/pkg/ai"
	"aidoctor/pkg/storage"
	"aidoctor/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, time.Duration(cfg.SessionTTLHours)*time.Hour)
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}

	var blobs storage.BlobStore
	var uploadsDir string
	switch cfg.Storage {
	case "minio":
		blobs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init minio storage: %v", err)
		}
	default:
		fileStore, err := storage.NewFileStore(cfg.UploadDir)
		if err != nil {
			log.Fatalf("failed to init upload storage: %v", err)
		}
		blobs = fileStore
		uploadsDir = fileStore.BasePath()
	}

	completions, err := ai.NewOpenAIService(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	if err != nil {
		log.Fatalf("failed to init completion service: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:           dataStore,
		Completions:     completions,
		Blobs:           blobs,
		GenerationModel: cfg.GenerationModel,
		ReplyMaxTokens:  cfg.ReplyMaxTokens,
		ReportMaxTokens: cfg.ReportMaxTokens,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		Sessions:       sessions,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		UploadsDir:     uploadsDir,
	}
	if cfg.RedisAddr != "" {
		window := time.Duration(cfg.RateWindowSeconds) * time.Second
		serverCfg.SignupLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "aidoctor:ratelimit:signup", cfg.SignupRateLimit, window)
		if err != nil {
			log.Fatalf("failed to init signup limiter: %v", err)
		}
		serverCfg.LoginLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "aidoctor:ratelimit:login", cfg.LoginRateLimit, window)
		if err != nil {
			log.Fatalf("failed to init login limiter: %v", err)
		}
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(serverCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr, "storage", cfg.Storage)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
