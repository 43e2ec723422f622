package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nic-152/uran/internal/app"
	"github.com/nic-152/uran/internal/archive"
	"github.com/nic-152/uran/internal/config"
	"github.com/nic-152/uran/internal/search"
	"github.com/nic-152/uran/internal/session"
	"github.com/nic-152/uran/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	ctx := context.Background()

	dataStore, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	deps := app.Deps{Logger: logger}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		deps.Refresh = redisStore
		logger.Info("refresh sessions stored in redis")
	} else {
		logger.Info("refresh sessions stored in data store", zap.String("driver", cfg.StorageDriver))
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, search.NewStoreSearcher(dataStore), dataStore, logger)
	defer searchService.Close()
	searchService.Reindex(ctx)
	deps.Search = searchService

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		reports, err := archive.NewMinio(ctx, archive.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Fatal("report archive setup failed", zap.Error(err))
		}
		deps.Archive = reports
		logger.Info("run report archive enabled", zap.String("bucket", cfg.S3Bucket))
	}

	service := app.New(cfg, dataStore, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("uran api listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.DataStore, func()) {
	if cfg.StorageDriver == config.DriverFile {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			logger.Fatal("failed to create data dir", zap.Error(err))
		}
		path := filepath.Join(cfg.DataDir, "uran.json")
		fileStore, err := store.NewFileStore(path)
		if err != nil {
			logger.Fatal("file store failed", zap.String("path", path), zap.Error(err))
		}
		logger.Info("using file store", zap.String("path", path))
		return fileStore, func() {}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }
}
