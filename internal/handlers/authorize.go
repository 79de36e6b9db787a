package handlers

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/auth"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/authorize"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/config"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/interaction"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/resources"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// formPostTemplate auto-submits response parameters back to the client.
// Values are HTML-escaped by html/template.
var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Submit this form</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range $name, $value := .Fields}}
<input type="hidden" name="{{$name}}" value="{{$value}}"/>
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

// AuthorizeHandler drives the authorize endpoint: parameter validation, the
// interaction state machine and response generation. Login and consent
// happen in an external UI that redirects back to the callback.
type AuthorizeHandler struct {
	repo      database.Repository
	requests  storage.AuthorizeRequestStore
	errs      storage.ErrorStore
	validator *authorize.Validator
	engine    *interaction.Engine
	generator *authorize.ResponseGenerator
	resolver  *resources.Resolver
	sessions  auth.SessionReader
	config    *config.Config
	logger    *zap.Logger
}

// NewAuthorizeHandler creates the authorize endpoint handler.
func NewAuthorizeHandler(
	repo database.Repository,
	requests storage.AuthorizeRequestStore,
	errs storage.ErrorStore,
	validator *authorize.Validator,
	engine *interaction.Engine,
	generator *authorize.ResponseGenerator,
	resolver *resources.Resolver,
	sessions auth.SessionReader,
	cfg *config.Config,
	logger *zap.Logger,
) *AuthorizeHandler {
	return &AuthorizeHandler{
		repo:      repo,
		requests:  requests,
		errs:      errs,
		validator: validator,
		engine:    engine,
		generator: generator,
		resolver:  resolver,
		sessions:  sessions,
		config:    cfg,
		logger:    logger,
	}
}

// HandleAuthorize handles GET and POST /connect/authorize
// @Summary     Begin an authorization request
// @Description Validates the authorize request, resolves the end-user interaction and answers with an authorization code, a redirect to the login or consent UI, or a protocol error.
// @Tags        oauth2
// @Accept      application/x-www-form-urlencoded
// @Param       client_id             query string true  "Client ID"
// @Param       response_type         query string true  "code or code id_token"
// @Param       redirect_uri          query string false "Registered redirect URI"
// @Param       scope                 query string false "Requested scopes, space delimited"
// @Param       state                 query string false "Opaque client state, echoed back"
// @Param       code_challenge        query string true  "PKCE code challenge"
// @Param       code_challenge_method query string false "S256 or plain"
// @Param       nonce                 query string false "OpenID nonce, required for code id_token"
// @Param       prompt                query string false "none, login, consent or select_account"
// @Param       max_age               query string false "Maximum authentication age in seconds"
// @Success     302 "Redirect to the client or the interaction UI"
// @Failure     400 {object} map[string]string
// @Router      /connect/authorize [get]
func (h *AuthorizeHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var params url.Values
	switch r.Method {
	case http.MethodGet:
		params = r.URL.Query()
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			h.showError(w, r, "", errors.ErrInvalidRequest.WithDescription("malformed request body"))
			return
		}
		params = r.PostForm
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, authErr := h.validator.Validate(r.Context(), params)
	if authErr != nil {
		h.handleError(w, r, authErr)
		return
	}

	client, protoErr := h.clientForRequest(r, req)
	if protoErr != nil {
		h.showError(w, r, req.ClientID, protoErr)
		return
	}

	h.continueAuthorize(w, r, client, req, false)
}

// HandleCallback handles GET /connect/authorize/callback
// @Summary     Resume an authorization request
// @Description Resumes a pending authorize request after the login or consent UI redirects back.
// @Tags        oauth2
// @Param       authorize_request query string true "Pending authorize request handle"
// @Success     302 "Redirect to the client or the interaction UI"
// @Failure     400 {object} map[string]string
// @Router      /connect/authorize/callback [get]
func (h *AuthorizeHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("authorize_request")
	if handle == "" {
		h.showError(w, r, "", errors.ErrInvalidRequest.WithDescription("authorize_request is required"))
		return
	}

	req, err := h.requests.FindRequest(r.Context(), handle)
	if err != nil {
		h.logger.Error("Failed to load pending authorize request", zap.Error(err))
		h.showError(w, r, "", errors.Wrap(err, errors.ErrServerError))
		return
	}
	if req == nil {
		h.showError(w, r, "", errors.ErrInvalidRequest.WithDescription("unknown or expired authorize request"))
		return
	}

	client, protoErr := h.clientForRequest(r, req)
	if protoErr != nil {
		h.showError(w, r, req.ClientID, protoErr)
		return
	}

	h.continueAuthorize(w, r, client, req, true)
}

func (h *AuthorizeHandler) clientForRequest(r *http.Request, req *models.ValidatedAuthorizeRequest) (*models.Client, *errors.ProtocolError) {
	client, err := h.repo.GetClientByID(r.Context(), req.ClientID)
	if err != nil {
		h.logger.Error("Failed to get client from database", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	if client == nil {
		// The client disappeared between validation and continuation.
		return nil, errors.ErrUnauthorizedClient
	}
	return client, nil
}

// continueAuthorize runs the interaction state machine and acts on its
// outcome. stored reports whether the request is already persisted and must
// be cleaned up on a terminal outcome.
func (h *AuthorizeHandler) continueAuthorize(w http.ResponseWriter, r *http.Request, client *models.Client, req *models.ValidatedAuthorizeRequest, stored bool) {
	ctx := r.Context()

	ticket, err := h.sessions.ReadTicket(ctx, r)
	if err != nil {
		h.logger.Error("Failed to read authentication session", zap.Error(err))
		h.failAuthorize(w, r, req, stored, errors.Wrap(err, errors.ErrServerError))
		return
	}

	result := h.engine.Decide(ctx, client, req, ticket)
	switch result.Status {
	case interaction.StatusNeedsLogin:
		h.redirectToInteraction(w, r, h.config.LoginURL, req, stored)

	case interaction.StatusNeedsConsent:
		h.redirectToInteraction(w, r, h.config.ConsentURL, req, stored)

	case interaction.StatusError:
		h.failAuthorize(w, r, req, stored, result.Err)

	case interaction.StatusProceed:
		h.finishAuthorize(w, r, client, req, ticket, result.GrantedScopes, stored)
	}
}

// redirectToInteraction persists the pending request (first visit only) and
// sends the user agent to the external UI.
func (h *AuthorizeHandler) redirectToInteraction(w http.ResponseWriter, r *http.Request, uiURL string, req *models.ValidatedAuthorizeRequest, stored bool) {
	if !stored {
		if err := h.requests.StoreRequest(r.Context(), req, h.config.AuthorizeRequestTTL); err != nil {
			h.logger.Error("Failed to store pending authorize request", zap.Error(err))
			h.showError(w, r, req.ClientID, errors.Wrap(err, errors.ErrServerError))
			return
		}
	}

	target, err := url.Parse(uiURL)
	if err != nil {
		h.logger.Error("Misconfigured interaction UI URL", zap.String("url", uiURL), zap.Error(err))
		h.showError(w, r, req.ClientID, errors.Wrap(err, errors.ErrServerError))
		return
	}

	returnURL := h.config.BaseURL + "/connect/authorize/callback?authorize_request=" + url.QueryEscape(req.Handle)

	q := target.Query()
	q.Set("authorize_request", req.Handle)
	q.Set("return_url", returnURL)
	q.Set("client_id", req.ClientID)
	if scopes := req.RequestedScopes(); len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// finishAuthorize issues the authorization response for a settled grant.
func (h *AuthorizeHandler) finishAuthorize(w http.ResponseWriter, r *http.Request, client *models.Client, req *models.ValidatedAuthorizeRequest, ticket *models.AuthenticationTicket, granted []string, stored bool) {
	ctx := r.Context()

	if stored {
		if err := h.requests.DeleteRequest(ctx, req.Handle); err != nil {
			h.logger.Warn("Failed to delete completed authorize request", zap.Error(err))
		}
	}

	// Granted scopes are re-resolved so the response generator sees the
	// claim types each scope carries.
	valid, protoErr := h.resolver.Validate(ctx, client, granted, resources.AllTokenTypes)
	if protoErr != nil {
		h.handleError(w, r, h.requestError(req, protoErr))
		return
	}

	response, protoErr := h.generator.CreateResponse(ctx, client, req, ticket, valid.Scopes(), valid.ScopeClaims)
	if protoErr != nil {
		h.handleError(w, r, h.requestError(req, protoErr))
		return
	}

	fields := map[string]string{
		"code": response.Code,
		"iss":  h.config.Issuer,
	}
	if req.State != "" {
		fields["state"] = req.State
	}
	if response.IDToken != "" {
		fields["id_token"] = response.IDToken
	}

	h.sendResponse(w, r, req.RedirectURI, req.ResponseMode, fields)
}

// failAuthorize ends a request with a protocol error, cleaning up any stored
// state first.
func (h *AuthorizeHandler) failAuthorize(w http.ResponseWriter, r *http.Request, req *models.ValidatedAuthorizeRequest, stored bool, protoErr *errors.ProtocolError) {
	if stored {
		if err := h.requests.DeleteRequest(r.Context(), req.Handle); err != nil {
			h.logger.Warn("Failed to delete failed authorize request", zap.Error(err))
		}
	}
	h.handleError(w, r, h.requestError(req, protoErr))
}

func (h *AuthorizeHandler) requestError(req *models.ValidatedAuthorizeRequest, protoErr *errors.ProtocolError) *authorize.Error {
	return &authorize.Error{
		Protocol:     protoErr,
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		State:        req.State,
		Issuer:       h.config.Issuer,
	}
}

// handleError answers a failed authorize request: disclosable errors are
// redirected to the client, everything else lands on the error page.
func (h *AuthorizeHandler) handleError(w http.ResponseWriter, r *http.Request, authErr *authorize.Error) {
	if authErr.Protocol.Err != nil || authErr.Protocol.IsConfiguration() {
		h.logger.Error("Authorize request failed", zap.String("code", authErr.Protocol.Code), zap.Error(authErr.Protocol))
	}

	if !authErr.CanRedirect() {
		clientID := ""
		if authErr.Client != nil {
			clientID = authErr.Client.ClientID
		}
		h.showError(w, r, clientID, authErr.Protocol)
		return
	}

	fields := map[string]string{
		"error":             authErr.Protocol.Code,
		"error_description": authErr.Protocol.Description,
		"iss":               authErr.Issuer,
	}
	if authErr.State != "" {
		fields["state"] = authErr.State
	}

	h.sendResponse(w, r, authErr.RedirectURI, authErr.ResponseMode, fields)
}

// sendResponse returns parameters to the client via the negotiated response
// mode.
func (h *AuthorizeHandler) sendResponse(w http.ResponseWriter, r *http.Request, redirectURI, responseMode string, fields map[string]string) {
	if responseMode == models.ResponseModeFormPost {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		if err := formPostTemplate.Execute(w, struct {
			Action string
			Fields map[string]string
		}{Action: redirectURI, Fields: fields}); err != nil {
			h.logger.Error("Failed to render form_post response", zap.Error(err))
		}
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		h.logger.Error("Failed to parse redirect URI", zap.Error(err))
		h.showError(w, r, "", errors.Wrap(err, errors.ErrServerError))
		return
	}
	q := target.Query()
	for name, value := range fields {
		q.Set(name, value)
	}
	target.RawQuery = q.Encode()

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// showError persists the error and redirects to the generic error page. Used
// whenever the error must not reach the client via redirect.
func (h *AuthorizeHandler) showError(w http.ResponseWriter, r *http.Request, clientID string, protoErr *errors.ProtocolError) {
	id := uuid.New().String()
	stored := &models.StoredError{
		Code:        protoErr.Code,
		Description: protoErr.Description,
		ClientID:    clientID,
		CreatedAt:   time.Now(),
	}
	if err := h.errs.StoreError(r.Context(), id, stored, h.config.StoredErrorTTL); err != nil {
		h.logger.Error("Failed to store authorize error", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.config.BaseURL+"/connect/error?error_id="+url.QueryEscape(id), http.StatusFound)
}
