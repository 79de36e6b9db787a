// Package authorize implements the authorize-endpoint request pipeline: the
// ordered parameter validator chain and the authorization response generator.
package authorize

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/resources"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// Error is a failed authorize request. It carries the context established
// before the failure so the transport layer can decide between an error
// redirect and the generic error page.
type Error struct {
	Protocol     *errors.ProtocolError
	Client       *models.Client
	RedirectURI  string
	ResponseMode string
	State        string
	Issuer       string
}

// Error codes that may be disclosed to the client via redirect. Everything
// else is persisted server-side and shown on the generic error page.
var redirectableCodes = map[string]struct{}{
	errors.CodeAccessDenied:             {},
	errors.CodeTemporarilyUnavailable:   {},
	errors.CodeInteractionRequired:      {},
	errors.CodeLoginRequired:            {},
	errors.CodeAccountSelectionRequired: {},
	errors.CodeConsentRequired:          {},
}

// CanRedirect reports whether the error is safe to return via redirect: a
// redirect URI must already be established and the code must be disclosable.
func (e *Error) CanRedirect() bool {
	if e == nil || e.RedirectURI == "" {
		return false
	}
	_, ok := redirectableCodes[e.Protocol.Code]
	return ok
}

// Validator runs the ordered authorize parameter chain. Order matters: later
// validators assume the invariants established by earlier ones.
type Validator struct {
	repo     database.Repository
	resolver *resources.Resolver
	issuer   string
	logger   *zap.Logger
}

// NewValidator creates the authorize request validator.
func NewValidator(repo database.Repository, resolver *resources.Resolver, issuer string, logger *zap.Logger) *Validator {
	return &Validator{
		repo:     repo,
		resolver: resolver,
		issuer:   issuer,
		logger:   logger,
	}
}

// Validate runs the full chain over the raw parameter mapping and returns
// either a fully validated request or the first error encountered.
func (v *Validator) Validate(ctx context.Context, params url.Values) (*models.ValidatedAuthorizeRequest, *Error) {
	fail := func(client *models.Client, redirectURI, responseMode, state string, protoErr *errors.ProtocolError) (*models.ValidatedAuthorizeRequest, *Error) {
		return nil, &Error{
			Protocol:     protoErr,
			Client:       client,
			RedirectURI:  redirectURI,
			ResponseMode: responseMode,
			State:        state,
			Issuer:       v.issuer,
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(nil, "", "", "", errors.Wrap(err, errors.ErrServerError))
	}

	client, protoErr := v.validateClient(ctx, params)
	if protoErr != nil {
		return fail(nil, "", "", "", protoErr)
	}

	responseType, flow, protoErr := v.validateResponseType(params, client)
	if protoErr != nil {
		return fail(client, "", "", "", protoErr)
	}

	state, protoErr := v.validateState(params)
	if protoErr != nil {
		return fail(client, "", "", "", protoErr)
	}

	responseMode, protoErr := v.validateResponseMode(params, flow)
	if protoErr != nil {
		return fail(client, "", "", state, protoErr)
	}

	// Later policies branch on whether this is an OpenID request. The scope
	// parameter has not been validated yet, so peek at the raw value; the
	// scope validator settles the final answer.
	openidHint := rawScopeContainsOpenID(params)

	redirectURI, redirectProvided, protoErr := v.validateRedirectURI(params, client, openidHint)
	if protoErr != nil {
		return fail(client, "", responseMode, state, protoErr)
	}

	valid, isOpenID, protoErr := v.validateScope(ctx, params, client, flow)
	if protoErr != nil {
		return fail(client, redirectURI, responseMode, state, protoErr)
	}

	challengeMethod, protoErr := v.validateCodeChallengeMethod(params, client)
	if protoErr != nil {
		return fail(client, redirectURI, responseMode, state, protoErr)
	}

	challenge, protoErr := v.validateCodeChallenge(params, challengeMethod)
	if protoErr != nil {
		return fail(client, redirectURI, responseMode, state, protoErr)
	}

	req := &models.ValidatedAuthorizeRequest{
		Handle:              ksuid.New().String(),
		ClientID:            client.ClientID,
		ResponseType:        responseType,
		Flow:                flow,
		RedirectURI:         redirectURI,
		RedirectURIProvided: redirectProvided,
		State:               state,
		ResponseMode:        responseMode,
		CodeChallenge:       challenge,
		CodeChallengeMethod: challengeMethod,
		IDTokenScopes:       valid.IDTokenScopes,
		AccessTokenScopes:   valid.AccessTokenScopes,
		Resources:           valid.Resources,
		OfflineAccess:       valid.OfflineAccess,
		IsOpenID:            isOpenID,
		CreatedAt:           time.Now().Truncate(time.Second),
	}

	if !isOpenID {
		return req, nil
	}

	// OpenID-only validators run once scope contains openid.
	if protoErr := v.validateOpenIDParameters(params, flow, req); protoErr != nil {
		return fail(client, redirectURI, responseMode, state, protoErr)
	}

	return req, nil
}

func (v *Validator) validateClient(ctx context.Context, params url.Values) (*models.Client, *errors.ProtocolError) {
	clientID, protoErr := singleValue(params, "client_id", maxClientIDLength)
	if protoErr != nil {
		return nil, protoErr
	}
	if clientID == "" {
		return nil, errors.ErrInvalidRequest.WithDescription("%q parameter is missing", "client_id")
	}
	if !isVSCHAR(clientID) {
		return nil, errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "client_id")
	}

	client, err := v.repo.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	if client == nil {
		v.logger.Warn("Authorize request for unknown client", zap.String("client_id", clientID))
		return nil, errors.ErrUnauthorizedClient.WithDescription("unknown or disabled client")
	}
	return client, nil
}

func (v *Validator) validateResponseType(params url.Values, client *models.Client) (string, string, *errors.ProtocolError) {
	value, protoErr := singleValue(params, "response_type", maxResponseTypeLength)
	if protoErr != nil {
		return "", "", protoErr
	}
	if value == "" {
		return "", "", errors.ErrInvalidRequest.WithDescription("%q parameter is missing", "response_type")
	}

	// response_type is a set: "code id_token" and "id_token code" are the
	// same response type.
	members := splitSpaceDelimited(value)
	var responseType, flow string
	switch {
	case len(members) == 1 && members[0] == "code":
		responseType = models.ResponseTypeCode
		flow = models.FlowAuthorizationCode
	case len(members) == 2 && containsBoth(members, "code", "id_token"):
		responseType = models.ResponseTypeCodeIDToken
		flow = models.FlowHybrid
	default:
		return "", "", errors.ErrUnsupportedResponseType
	}

	// Every supported response type redeems through the authorization code
	// grant, so the client must allow it regardless of flow.
	if !client.AllowsGrantType(models.FlowAuthorizationCode) {
		return "", "", errors.ErrUnauthorizedClient.WithDescription("client is not allowed to use the authorization code grant")
	}
	if !client.AllowsFlow(flow) {
		return "", "", errors.ErrUnauthorizedClient.WithDescription("client is not allowed to use the %q flow", flow)
	}

	return responseType, flow, nil
}

func (v *Validator) validateState(params url.Values) (string, *errors.ProtocolError) {
	state, protoErr := singleValue(params, "state", maxStateLength)
	if protoErr != nil {
		return "", protoErr
	}
	if state != "" && !isVSCHAR(state) {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "state")
	}
	return state, nil
}

func (v *Validator) validateResponseMode(params url.Values, flow string) (string, *errors.ProtocolError) {
	mode, protoErr := singleValue(params, "response_mode", maxResponseModeLength)
	if protoErr != nil {
		return "", protoErr
	}
	if mode == "" {
		// The fragment channel is unsupported, so the hybrid flow defaults
		// to form_post instead.
		if flow == models.FlowHybrid {
			return models.ResponseModeFormPost, nil
		}
		return models.ResponseModeQuery, nil
	}
	if mode != models.ResponseModeQuery && mode != models.ResponseModeFormPost {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter value is not supported", "response_mode")
	}
	return mode, nil
}

func (v *Validator) validateRedirectURI(params url.Values, client *models.Client, openidRequested bool) (string, bool, *errors.ProtocolError) {
	value, protoErr := singleValue(params, "redirect_uri", maxRedirectURILength)
	if protoErr != nil {
		return "", false, protoErr
	}

	if value == "" {
		// OAuth-only shortcut: a single registered redirect URI can be
		// inferred when the request does not use OpenID Connect.
		if !openidRequested && len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], false, nil
		}
		return "", false, errors.ErrInvalidRequest.WithDescription("%q parameter is missing", "redirect_uri")
	}

	parsed, err := url.Parse(value)
	if err != nil || !parsed.IsAbs() {
		return "", false, errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "redirect_uri")
	}
	if parsed.Fragment != "" {
		return "", false, errors.ErrInvalidRequest.WithDescription("%q parameter must not contain a fragment", "redirect_uri")
	}

	if openidRequested {
		// OpenID requests match the registered value exactly. Plain http is
		// tolerated for confidential clients only.
		if parsed.Scheme == "http" && !client.Confidential {
			return "", false, errors.ErrInvalidRequest.WithDescription("%q must use https for public clients", "redirect_uri")
		}
		for _, registered := range client.RedirectURIs {
			if registered == value {
				return value, true, nil
			}
		}
		return "", false, errors.ErrInvalidRequest.WithDescription("%q parameter is not registered for this client", "redirect_uri")
	}

	if isLoopbackHost(parsed.Hostname()) {
		// Loopback redirects ignore the port: the listener binds an
		// ephemeral one. Scheme, host and path must still match.
		for _, registered := range client.RedirectURIs {
			reg, err := url.Parse(registered)
			if err != nil || reg.Fragment != "" {
				continue
			}
			if reg.Scheme == parsed.Scheme && reg.Hostname() == parsed.Hostname() && reg.Path == parsed.Path {
				return value, true, nil
			}
		}
		return "", false, errors.ErrInvalidRequest.WithDescription("%q parameter is not registered for this client", "redirect_uri")
	}

	if parsed.Scheme != "https" {
		return "", false, errors.ErrInvalidRequest.WithDescription("%q must use https", "redirect_uri")
	}
	for _, registered := range client.RedirectURIs {
		if registered == value {
			return value, true, nil
		}
	}
	return "", false, errors.ErrInvalidRequest.WithDescription("%q parameter is not registered for this client", "redirect_uri")
}

func (v *Validator) validateScope(ctx context.Context, params url.Values, client *models.Client, flow string) (*resources.ValidResources, bool, *errors.ProtocolError) {
	value, protoErr := singleValue(params, "scope", maxScopeLength)
	if protoErr != nil {
		return nil, false, protoErr
	}

	scopes := splitSpaceDelimited(value)
	isOpenID := false
	for _, s := range scopes {
		if !isScopeToken(s) {
			return nil, false, errors.ErrInvalidScope.WithDescription("%q parameter is malformed", "scope")
		}
		if s == models.ScopeOpenID {
			isOpenID = true
		}
	}

	if flow == models.FlowHybrid && !isOpenID {
		return nil, false, errors.ErrInvalidRequest.WithDescription("%q scope is required for the hybrid flow", models.ScopeOpenID)
	}

	valid, resolveErr := v.resolver.Validate(ctx, client, scopes, resources.AllTokenTypes)
	if resolveErr != nil {
		return nil, false, resolveErr
	}

	return valid, isOpenID, nil
}

func (v *Validator) validateCodeChallengeMethod(params url.Values, client *models.Client) (string, *errors.ProtocolError) {
	method, protoErr := singleValue(params, "code_challenge_method", maxCodeChallengeMethodLength)
	if protoErr != nil {
		return "", protoErr
	}

	if method == "" {
		// plain is only the default when the client is allowed to use it.
		if client.AllowsPKCEMethod(models.PKCEMethodPlain) {
			return models.PKCEMethodPlain, nil
		}
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter is missing", "code_challenge_method")
	}

	if method != models.PKCEMethodS256 && method != models.PKCEMethodPlain {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter value is not supported", "code_challenge_method")
	}
	if !client.AllowsPKCEMethod(method) {
		return "", errors.ErrInvalidRequest.WithDescription("%q method is not allowed for this client", method)
	}
	return method, nil
}

func (v *Validator) validateCodeChallenge(params url.Values, method string) (string, *errors.ProtocolError) {
	challenge, protoErr := singleValue(params, "code_challenge", maxCodeChallengeLength)
	if protoErr != nil {
		return "", protoErr
	}
	if challenge == "" {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter is missing", "code_challenge")
	}
	if len(challenge) < minCodeChallengeLength {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter is too short", "code_challenge")
	}
	if !isCodeChallengeChar(challenge) {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "code_challenge")
	}
	if method == models.PKCEMethodS256 && !isHex(challenge) {
		return "", errors.ErrInvalidRequest.WithDescription("%q parameter must be a hex-encoded SHA-256 digest", "code_challenge")
	}
	return challenge, nil
}

func (v *Validator) validateOpenIDParameters(params url.Values, flow string, req *models.ValidatedAuthorizeRequest) *errors.ProtocolError {
	nonce, protoErr := singleValue(params, "nonce", maxNonceLength)
	if protoErr != nil {
		return protoErr
	}
	if nonce == "" && flow == models.FlowHybrid {
		return errors.ErrInvalidRequest.WithDescription("%q parameter is required for the hybrid flow", "nonce")
	}
	req.Nonce = nonce

	prompt, protoErr := v.validatePrompt(params)
	if protoErr != nil {
		return protoErr
	}
	req.Prompt = prompt

	maxAge, protoErr := v.validateMaxAge(params)
	if protoErr != nil {
		return protoErr
	}
	req.MaxAge = maxAge

	loginHint, protoErr := singleValue(params, "login_hint", maxLoginHintLength)
	if protoErr != nil {
		return protoErr
	}
	if loginHint != "" && !isVSCHAR(loginHint) {
		return errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "login_hint")
	}
	req.LoginHint = loginHint

	acrValues, protoErr := singleValue(params, "acr_values", maxACRValuesLength)
	if protoErr != nil {
		return protoErr
	}
	if acrValues != "" && !isVSCHAR(acrValues) {
		return errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "acr_values")
	}
	req.ACRValues = splitSpaceDelimited(acrValues)

	display, protoErr := singleValue(params, "display", maxDisplayLength)
	if protoErr != nil {
		return protoErr
	}
	switch display {
	case "", "page", "popup", "touch", "wap":
	default:
		return errors.ErrInvalidRequest.WithDescription("%q parameter value is not supported", "display")
	}
	req.Display = display

	uiLocales, protoErr := singleValue(params, "ui_locales", maxUILocalesLength)
	if protoErr != nil {
		return protoErr
	}
	req.UILocales = splitSpaceDelimited(uiLocales)

	// JAR and self-issued registration are intentionally unimplemented and
	// must be rejected, not ignored.
	if value, protoErr := singleValue(params, "request", maxStateLength); protoErr != nil {
		return protoErr
	} else if value != "" {
		return errors.ErrRequestNotSupported
	}
	if value, protoErr := singleValue(params, "request_uri", maxRedirectURILength); protoErr != nil {
		return protoErr
	} else if value != "" {
		return errors.ErrRequestURINotSupported
	}
	if value, protoErr := singleValue(params, "registration", maxStateLength); protoErr != nil {
		return protoErr
	} else if value != "" {
		return errors.ErrRegistrationNotSupported
	}

	return nil
}

func (v *Validator) validatePrompt(params url.Values) ([]string, *errors.ProtocolError) {
	value, protoErr := singleValue(params, "prompt", maxPromptLength)
	if protoErr != nil {
		return nil, protoErr
	}
	if value == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var prompt []string
	for _, member := range splitSpaceDelimited(value) {
		switch member {
		case models.PromptNone, models.PromptLogin, models.PromptConsent, models.PromptSelectAccount:
		default:
			return nil, errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "prompt")
		}
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}
		prompt = append(prompt, member)
	}

	if _, hasNone := seen[models.PromptNone]; hasNone && len(prompt) > 1 {
		return nil, errors.ErrInvalidRequest.WithDescription("%q cannot be combined with other prompt values", models.PromptNone)
	}
	return prompt, nil
}

func (v *Validator) validateMaxAge(params url.Values) (*int64, *errors.ProtocolError) {
	value, protoErr := singleValue(params, "max_age", maxMaxAgeLength)
	if protoErr != nil {
		return nil, protoErr
	}
	if value == "" {
		return nil, nil
	}

	maxAge, err := strconv.ParseInt(value, 10, 64)
	if err != nil || maxAge < 0 {
		return nil, errors.ErrInvalidRequest.WithDescription("%q parameter is malformed", "max_age")
	}
	return &maxAge, nil
}

func rawScopeContainsOpenID(params url.Values) bool {
	for _, raw := range params["scope"] {
		for _, s := range strings.Fields(raw) {
			if s == models.ScopeOpenID {
				return true
			}
		}
	}
	return false
}

func containsBoth(members []string, a, b string) bool {
	foundA, foundB := false, false
	for _, m := range members {
		switch m {
		case a:
			foundA = true
		case b:
			foundB = true
		default:
			return false
		}
	}
	return foundA && foundB
}

func isLoopbackHost(host string) bool {
	switch host {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	return false
}
