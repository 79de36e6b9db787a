package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/auth"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/authorize"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/config"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/grants"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/handlers"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/interaction"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/resources"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/tokens"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting authorization server")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()
	repo, err := database.NewRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer repo.Close()

	store, err := storage.NewRedisStore(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize operational storage", zap.Error(err))
	}
	defer store.Close()

	keyManager, err := auth.NewKeyManager(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		logger.Fatal("Failed to initialize key manager", zap.Error(err))
	}

	// Key rotation scheduler: rotated keys keep verifying through the grace
	// period so outstanding tokens stay valid.
	go func() {
		rotationInterval := time.Duration(cfg.KeyRotationDays) * 24 * time.Hour
		gracePeriod := time.Duration(cfg.KeyGraceDays) * 24 * time.Hour

		ticker := time.NewTicker(rotationInterval)
		defer ticker.Stop()

		for range ticker.C {
			logger.Info("Rotating signing keys",
				zap.Int("rotation_days", cfg.KeyRotationDays),
				zap.Int("grace_days", cfg.KeyGraceDays))
			if err := keyManager.RotateKeys(gracePeriod); err != nil {
				logger.Error("Failed to rotate keys", zap.Error(err))
			}
			keyManager.CleanupExpiredKeys()
		}
	}()

	resolver := resources.NewResolver(repo, logger)
	issuer := tokens.NewIssuer(keyManager, store, cfg.Issuer, logger)
	tokenValidator := auth.NewTokenValidator(keyManager, cfg.Issuer, store)
	sessions := auth.NewCookieSessionReader(tokenValidator, cfg.SessionCookie, logger)

	validator := authorize.NewValidator(repo, resolver, cfg.Issuer, logger)
	engine := interaction.NewEngine(store, nil, logger)
	generator := authorize.NewResponseGenerator(store, issuer, logger)
	dispatcher := grants.NewDispatcher(store, store, resolver, issuer, cfg.Issuer, logger)

	authorizeHandler := handlers.NewAuthorizeHandler(repo, store, store, validator, engine, generator, resolver, sessions, cfg, logger)
	tokenHandler := handlers.NewTokenHandler(repo, store, dispatcher, cfg, logger)
	verifyHandler := handlers.NewVerifyHandler(tokenValidator, logger)
	jwksHandler := handlers.NewJWKSHandler(keyManager, logger)
	oidcHandler := handlers.NewOIDCConfigurationHandler(repo, cfg.BaseURL, cfg.Issuer, auth.SupportedSigningAlgs(), logger)
	errorPageHandler := handlers.NewErrorPageHandler(store, logger)

	router := SetupRouter(
		authorizeHandler,
		tokenHandler,
		verifyHandler,
		jwksHandler,
		oidcHandler,
		errorPageHandler,
		store,
		cfg,
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
