package main

import (
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/config"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/handlers"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/middleware"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
)

// SetupRouter configures and returns the HTTP router with all routes and middleware.
func SetupRouter(
	authorizeHandler *handlers.AuthorizeHandler,
	tokenHandler *handlers.TokenHandler,
	verifyHandler *handlers.VerifyHandler,
	jwksHandler *handlers.JWKSHandler,
	oidcHandler *handlers.OIDCConfigurationHandler,
	errorPageHandler *handlers.ErrorPageHandler,
	limiter storage.RateLimiter,
	cfg *config.Config,
	logger *zap.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware(logger))

	// OIDC Discovery
	router.HandleFunc("/.well-known/openid-configuration", oidcHandler.HandleOIDCConfiguration).Methods("GET")
	router.HandleFunc("/.well-known/jwks.json", jwksHandler.HandleJWKS).Methods("GET")

	// Authorize endpoint and interaction callback. Per-address limiting only;
	// the client is not authenticated here.
	authorizeRoutes := router.PathPrefix("/connect").Subrouter()
	authorizeRoutes.Use(middleware.RateLimitMiddleware(limiter, logger, 120, cfg.RateLimitWindow))
	authorizeRoutes.HandleFunc("/authorize", authorizeHandler.HandleAuthorize).Methods("GET", "POST")
	authorizeRoutes.HandleFunc("/authorize/callback", authorizeHandler.HandleCallback).Methods("GET")
	authorizeRoutes.HandleFunc("/error", errorPageHandler.HandleErrorPage).Methods("GET")

	// Token endpoint; per-client limits are enforced inside the handler
	// after client authentication.
	router.HandleFunc("/connect/token", tokenHandler.HandleToken).Methods("POST")

	// Token verification for resource servers
	router.HandleFunc("/connect/verify", verifyHandler.HandleVerify).Methods("POST")

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Swagger documentation
	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	return router
}
