package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/config"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/grants"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// TokenHandler handles OAuth2 token requests.
type TokenHandler struct {
	repo       database.Repository
	limiter    storage.RateLimiter
	dispatcher *grants.Dispatcher
	config     *config.Config
	logger     *zap.Logger
}

// NewTokenHandler creates a new token handler.
func NewTokenHandler(
	repo database.Repository,
	limiter storage.RateLimiter,
	dispatcher *grants.Dispatcher,
	cfg *config.Config,
	logger *zap.Logger,
) *TokenHandler {
	return &TokenHandler{
		repo:       repo,
		limiter:    limiter,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// HandleToken handles POST /connect/token
// @Summary     Exchange a grant for tokens
// @Description Issues tokens for the authorization_code, client_credentials and refresh_token grant types. Confidential clients authenticate with client_secret_basic or client_secret_post; public clients send client_id only and prove possession via PKCE.
// @Tags        oauth2
// @Accept      application/x-www-form-urlencoded
// @Produce     application/json
// @Param       grant_type    formData string true  "Grant type: authorization_code, client_credentials or refresh_token"
// @Param       client_id     formData string false "Client ID (when not using client_secret_basic)"
// @Param       client_secret formData string false "Client secret (client_secret_post)"
// @Param       code          formData string false "Authorization code (authorization_code grant)"
// @Param       code_verifier formData string false "PKCE code verifier (authorization_code grant)"
// @Param       redirect_uri  formData string false "Redirect URI, required when the authorize request carried one"
// @Param       refresh_token formData string false "Refresh token (refresh_token grant)"
// @Param       scope         formData string false "Optional scope narrowing, a subset of the original grant"
// @Success     200 {object} models.TokenResponse
// @Failure     400 {object} map[string]string
// @Failure     401 {object} map[string]string
// @Failure     500 {object} map[string]string
// @Router      /connect/token [post]
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.sendError(w, errors.ErrInvalidRequest.WithDescription("malformed request body"))
		return
	}

	client, protoErr := h.authenticateClient(r)
	if protoErr != nil {
		h.sendError(w, protoErr)
		return
	}

	exceeded, err := h.limiter.CheckRateLimit(ctx, client.ClientID, client.RateLimit, h.config.RateLimitWindow)
	if err != nil {
		h.logger.Error("Rate limit check failed", zap.Error(err))
		h.sendError(w, errors.Wrap(err, errors.ErrServerError))
		return
	}
	if exceeded {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RateLimitWindow.Seconds())))
		h.sendError(w, errors.ErrTemporarilyUnavailable.WithDescription("rate limit exceeded"))
		return
	}

	_, scopeProvided := r.PostForm["scope"]
	request := &grants.TokenRequest{
		GrantType:     r.PostForm.Get("grant_type"),
		Code:          r.PostForm.Get("code"),
		RedirectURI:   r.PostForm.Get("redirect_uri"),
		CodeVerifier:  r.PostForm.Get("code_verifier"),
		RefreshToken:  r.PostForm.Get("refresh_token"),
		Scope:         r.PostForm.Get("scope"),
		ScopeProvided: scopeProvided,
	}

	response, protoErr := h.dispatcher.Dispatch(ctx, client, request)
	if protoErr != nil {
		if protoErr.Err != nil {
			h.logger.Error("Token request failed",
				zap.String("client_id", client.ClientID),
				zap.String("grant_type", request.GrantType),
				zap.Error(protoErr))
		}
		h.sendError(w, protoErr)
		return
	}

	h.sendJSON(w, http.StatusOK, response)
}

// authenticateClient resolves and authenticates the requesting client.
// Confidential clients use client_secret_basic or client_secret_post; public
// clients identify themselves with client_id alone.
func (h *TokenHandler) authenticateClient(r *http.Request) (*models.Client, *errors.ProtocolError) {
	clientID, clientSecret, viaBasic := r.BasicAuth()
	if !viaBasic {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	} else if r.PostForm.Get("client_id") != "" && r.PostForm.Get("client_id") != clientID {
		return nil, errors.ErrInvalidRequest.WithDescription("client_id mismatch between header and body")
	}

	if clientID == "" {
		return nil, errors.ErrInvalidClient
	}

	client, err := h.repo.GetClientByID(r.Context(), clientID)
	if err != nil {
		h.logger.Error("Failed to get client from database", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	if client == nil {
		return nil, errors.ErrInvalidClient
	}

	if !client.Confidential {
		if clientSecret != "" {
			return nil, errors.ErrInvalidClient
		}
		return client, nil
	}

	if clientSecret == "" {
		return nil, errors.ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, errors.ErrInvalidClient
	}

	return client, nil
}

func (h *TokenHandler) sendError(w http.ResponseWriter, protoErr *errors.ProtocolError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if protoErr.Code == errors.CodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	w.WriteHeader(protoErr.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             protoErr.Code,
		"error_description": protoErr.Description,
		"iss":               h.config.Issuer,
	})
}

func (h *TokenHandler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
