package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/synckit/internal/server/handlers"
	"github.com/iudanet/synckit/internal/server/middleware"
	"github.com/iudanet/synckit/internal/server/storage/sqlite"
	"github.com/iudanet/synckit/pkg/api"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "synckit-server.db", "Path to SQLite database")
	jwtSecret := flag.String("jwt-secret", "", "JWT signing secret (required)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "Access token TTL")
	refreshTTL := flag.Duration("refresh-ttl", 30*24*time.Hour, "Refresh token TTL")
	rateLimit := flag.Int("rate-limit", 300, "Requests per minute per client IP")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *jwtSecret == "" {
		// Секрет можно дать и через окружение
		*jwtSecret = os.Getenv("SYNCKIT_JWT_SECRET")
	}
	if *jwtSecret == "" {
		logger.Error("jwt secret is required (use -jwt-secret or SYNCKIT_JWT_SECRET)")
		os.Exit(1)
	}

	if err := run(logger, *addr, *dbPath, *jwtSecret, *accessTTL, *refreshTTL, *rateLimit); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, dbPath, jwtSecret string, accessTTL, refreshTTL time.Duration, rateLimit int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", slog.Any("error", err))
		}
	}()

	jwtConfig := handlers.JWTConfig{
		Secret:          []byte(jwtSecret),
		AccessTokenTTL:  accessTTL,
		RefreshTokenTTL: refreshTTL,
	}

	mux := buildMux(logger, store, jwtConfig)

	// Внешние middleware применяются ко всем маршрутам
	var handler http.Handler = mux
	handler = middleware.RateLimitMiddleware(rateLimit, time.Minute, logger)(handler)
	handler = middleware.LoggingWithSkip(logger, []string{"/health"})(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// buildMux собирает маршруты протокола.
// Служебные документы meta/global и crypto/keys регистрируются до
// шаблона {collection}, поэтому перехватываются специфичными маршрутами.
func buildMux(logger *slog.Logger, store *sqlite.Storage, jwtConfig handlers.JWTConfig) *http.ServeMux {
	authHandler := handlers.NewAuthHandler(logger, store, store, jwtConfig)
	storageHandler := handlers.NewStorageHandler(logger, store, api.DefaultInfoConfiguration())
	experimentsHandler := handlers.NewExperimentsHandler(logger, store)
	healthHandler := handlers.NewHealthHandler(logger)

	requireAuth := middleware.AuthMiddleware(logger, jwtConfig)
	authed := func(h http.HandlerFunc) http.Handler {
		return requireAuth(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.Health)

	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("GET /api/v1/auth/salt/{username}", authHandler.GetSalt)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/v1/auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /api/v1/auth/logout", authHandler.Logout)

	mux.HandleFunc("GET /info/configuration", storageHandler.InfoConfiguration)
	mux.Handle("GET /info/collections", authed(storageHandler.InfoCollections))

	mux.Handle("GET /storage/meta/global", authed(storageHandler.GetMetaGlobal))
	mux.Handle("PUT /storage/meta/global", authed(storageHandler.PutMetaGlobal))
	mux.Handle("GET /storage/crypto/keys", authed(storageHandler.GetCryptoKeys))
	mux.Handle("PUT /storage/crypto/keys", authed(storageHandler.PutCryptoKeys))

	mux.Handle("GET /storage/{collection}", authed(storageHandler.GetCollection))
	mux.Handle("POST /storage/{collection}", authed(storageHandler.PostCollection))
	mux.Handle("DELETE /storage/{collection}", authed(storageHandler.DeleteCollection))
	mux.Handle("DELETE /storage", authed(storageHandler.WipeStorage))

	mux.HandleFunc("GET /experiments", experimentsHandler.List)
	mux.Handle("PUT /experiments/{slug}", authed(experimentsHandler.Put))
	mux.Handle("DELETE /experiments/{slug}", authed(experimentsHandler.Delete))

	return mux
}

func printVersion() {
	fmt.Printf("SyncKit Server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
