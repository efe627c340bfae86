// Command bookdl runs the download coordinator and its HTTP API side by
// side: the coordinator drains the queue in the background while the API
// server accepts search/download/status requests from Calibre-Web.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bookdl/corepipeline/internal/api"
	"github.com/bookdl/corepipeline/internal/backend"
	"github.com/bookdl/corepipeline/internal/bookmanager"
	"github.com/bookdl/corepipeline/internal/bypass"
	"github.com/bookdl/corepipeline/internal/config"
	"github.com/bookdl/corepipeline/internal/coordinator"
	"github.com/bookdl/corepipeline/internal/fetch"
	"github.com/bookdl/corepipeline/internal/ingest"
	"github.com/bookdl/corepipeline/internal/queue"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading configuration:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	for _, dir := range []string{cfg.TmpDir, cfg.IngestDir, cfg.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("creating directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	store := queue.NewStore()
	reviewStore := ingest.NewReviewStore(filepath.Join("data", "duplicate-review.json"), logger)
	bypasser := bypass.NewExternalBypasser(cfg)
	engine := fetch.NewEngine(cfg, logger, bypasser)
	manager := bookmanager.NewAnnasArchiveManager(cfg, engine)
	be := backend.NewBackend(cfg, store, reviewStore, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DisableDownloadCoordinator {
		logger.Info("download coordinator disabled via configuration")
	} else {
		coord := coordinator.New(cfg, store, engine, manager, logger)
		go coord.Run(ctx)
	}

	handler := api.NewHandler(cfg, logger, be, manager)
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.FlaskHost, cfg.FlaskPort),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down HTTP server", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.AppEnv == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			zapCfg.Level = zap.NewAtomicLevelAt(level)
		}
	}

	return zapCfg.Build()
}
