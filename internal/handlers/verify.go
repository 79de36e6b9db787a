package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/auth"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// VerifyHandler lets resource servers validate issued access tokens, both
// JWT and reference format.
type VerifyHandler struct {
	validator *auth.TokenValidator
	logger    *zap.Logger
}

// NewVerifyHandler creates a new verify handler.
func NewVerifyHandler(validator *auth.TokenValidator, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{
		validator: validator,
		logger:    logger,
	}
}

// HandleVerify handles POST /connect/verify
// @Summary     Verify an access token
// @Description Validates a JWT or reference-format access token and returns its claims if valid.
// @Tags        oauth2
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.VerifyRequest true "Token verification request"
// @Success     200     {object} models.VerifyResponse
// @Failure     400     {object} map[string]string
// @Router      /connect/verify [post]
func (h *VerifyHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, errors.ErrInvalidRequest.WithDescription("malformed request body"))
		return
	}
	if req.Token == "" {
		h.sendError(w, errors.ErrInvalidRequest.WithDescription("token is required"))
		return
	}

	// JWTs carry dots between their segments; opaque reference handles
	// never do.
	var claims map[string]any
	var err error
	if strings.Contains(req.Token, ".") {
		var mapClaims map[string]any
		jwtClaims, jwtErr := h.validator.ValidateJWT(req.Token)
		if jwtErr == nil {
			mapClaims = map[string]any(jwtClaims)
		}
		claims, err = mapClaims, jwtErr
	} else {
		claims, err = h.validator.ValidateReference(ctx, req.Token)
	}

	if err != nil {
		h.logger.Debug("Token validation failed", zap.Error(err))
		h.sendResponse(w, &models.VerifyResponse{
			Valid:   false,
			Message: err.Error(),
		})
		return
	}

	h.sendResponse(w, &models.VerifyResponse{
		Valid:  true,
		Claims: claims,
	})
}

func (h *VerifyHandler) sendError(w http.ResponseWriter, protoErr *errors.ProtocolError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protoErr.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             protoErr.Code,
		"error_description": protoErr.Description,
	})
}

func (h *VerifyHandler) sendResponse(w http.ResponseWriter, data *models.VerifyResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}
