package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/driftmark/edgegate/internal/config"
	"github.com/driftmark/edgegate/internal/ratelimit"
	"github.com/driftmark/edgegate/internal/server"
	"github.com/driftmark/edgegate/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("EDGEGATE_CONFIG"), "path to the gateway config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	zapLogger, err := logger.New(os.Getenv("EDGEGATE_LOG_LEVEL"))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	manager := config.NewManager(zapLogger)
	cfg, err := manager.Load(*configPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	limiter, err := ratelimit.NewWithSweepInterval(cfg.RateLimit.Limits, zapLogger, cfg.RateLimit.SweepInterval)
	if err != nil {
		zapLogger.Fatal("Failed to create rate limiter", zap.Error(err))
	}

	srv, err := server.NewServer(zapLogger, cfg, limiter)
	if err != nil {
		zapLogger.Fatal("Failed to create gateway server", zap.Error(err))
	}

	// Config edits swap the active budgets in place; a reload the limiter
	// rejects leaves the running table untouched.
	manager.OnChange(func(next *config.Config) {
		if err := limiter.SetLimits(next.RateLimit.Limits); err != nil {
			zapLogger.Error("Rejected reloaded rate limits", zap.Error(err))
		}
	})
	manager.Watch()

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router(),
	}
	go func() {
		zapLogger.Info("Gateway listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("upstream", cfg.Upstream.URL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Gateway server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zapLogger.Error("Forced shutdown", zap.Error(err))
	}
	limiter.Stop()

	zapLogger.Info("Gateway exited properly")
}
