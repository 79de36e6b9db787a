package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
)

// OIDCConfiguration represents the OpenID Connect discovery document.
type OIDCConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	RequestParameterSupported         bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported      bool     `json:"request_uri_parameter_supported"`
}

// OIDCConfigurationHandler handles the OIDC discovery endpoint.
type OIDCConfigurationHandler struct {
	repo        database.Repository
	baseURL     string
	issuer      string
	signingAlgs []string
	logger      *zap.Logger
}

// NewOIDCConfigurationHandler creates a new OIDC configuration handler.
func NewOIDCConfigurationHandler(repo database.Repository, baseURL, issuer string, signingAlgs []string, logger *zap.Logger) *OIDCConfigurationHandler {
	return &OIDCConfigurationHandler{
		repo:        repo,
		baseURL:     baseURL,
		issuer:      issuer,
		signingAlgs: signingAlgs,
		logger:      logger,
	}
}

// HandleOIDCConfiguration handles GET /.well-known/openid-configuration
// @Summary     OpenID Connect discovery document
// @Description Returns the server's endpoints and capabilities. Scopes come from configuration storage; only scopes marked for discovery appear.
// @Tags        discovery
// @Produce     application/json
// @Success     200 {object} handlers.OIDCConfiguration
// @Router      /.well-known/openid-configuration [get]
func (h *OIDCConfigurationHandler) HandleOIDCConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scopes, err := h.repo.GetDiscoveryScopes(r.Context())
	if err != nil {
		h.logger.Error("Failed to load discovery scopes", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	config := OIDCConfiguration{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.baseURL + "/connect/authorize",
		TokenEndpoint:                     h.baseURL + "/connect/token",
		JwksURI:                           h.baseURL + "/.well-known/jwks.json",
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		ResponseTypesSupported:            []string{"code", "code id_token"},
		ResponseModesSupported:            []string{"query", "form_post"},
		GrantTypesSupported:               []string{"authorization_code", "client_credentials", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  h.signingAlgs,
		ScopesSupported:                   scopes,
		ClaimsSupported: []string{
			"iss",
			"sub",
			"aud",
			"exp",
			"iat",
			"auth_time",
			"nonce",
			"sid",
			"jti",
		},
		RequestParameterSupported:    false,
		RequestURIParameterSupported: false,
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		h.logger.Error("Failed to marshal OIDC configuration", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
