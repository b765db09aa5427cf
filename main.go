package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/msomdec/course-progress/internal/config"
	"github.com/msomdec/course-progress/internal/domain"
	"github.com/msomdec/course-progress/internal/handler"
	"github.com/msomdec/course-progress/internal/lmsapi"
	"github.com/msomdec/course-progress/internal/repository/rediscache"
	"github.com/msomdec/course-progress/internal/repository/sqlite"
	"github.com/msomdec/course-progress/internal/service"
)

func main() {
	logOpts := &slog.HandlerOptions{Level: slog.LevelInfo}
	logger := slog.New(slog.NewMultiHandler(
		slog.NewTextHandler(os.Stdout, logOpts),
		slog.NewJSONHandler(os.Stderr, logOpts),
	))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			slog.Error("issue token", "error", err)
			os.Exit(1)
		}
		return
	}

	cache, closeCache, err := openCache(cfg)
	if err != nil {
		slog.Error("failed to open completion cache", "backend", cfg.CacheBackend, "error", err)
		os.Exit(1)
	}
	defer closeCache()

	gateway := lmsapi.New(cfg.LMSAPIURL, cfg.LMSAPITimeout)
	authService := service.NewAuthService(cfg.JWTSecret, cfg.TokenTTL)
	progression := service.NewProgressionService(gateway, cache, logger)
	progression.SetSessionTimings(cfg.SessionRefresh, cfg.SessionIdleTimeout)
	limiter := service.NewTokenBucket(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	defer limiter.Stop()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, authService, progression, limiter, cfg.CookieSecure)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.SecurityHeaders(handler.RequestLogger(logger, mux)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server starting", "addr", srv.Addr, "lms_api", cfg.LMSAPIURL, "cache", cfg.CacheBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	// Let in-flight completion pushes reach the LMS before the cache closes.
	progression.Shutdown()
	slog.Info("server stopped")
}

func openCache(cfg config.Config) (domain.CompletionCache, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		cache, err := rediscache.New(context.Background(), cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("redis completion cache connected", "addr", cfg.RedisAddr)
		return cache, func() { cache.Close() }, nil
	default:
		db, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied", "path", cfg.DatabasePath)
		return db.Completions(), func() { db.Close() }, nil
	}
}

// issueToken prints a signed viewer token for local development, e.g.
// course-progress token -id 42 -teacher
func issueToken(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	id := fs.Int64("id", 0, "LMS student or teacher id")
	teacher := fs.Bool("teacher", false, "issue a teacher token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token, err := service.NewAuthService(cfg.JWTSecret, cfg.TokenTTL).IssueToken(domain.Viewer{ID: *id, Teacher: *teacher})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
