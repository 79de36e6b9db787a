// Package grants dispatches token endpoint requests to the grant handler
// matching grant_type and turns redeemed grants into token responses.
package grants

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/resources"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/tokens"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// TokenRequest is the parsed token endpoint form. The client has already
// been authenticated by the handler.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string

	// Scope narrows the grant. ScopeProvided distinguishes an absent scope
	// parameter from an explicitly empty one, which is rejected.
	Scope         string
	ScopeProvided bool
}

// Dispatcher routes token requests to grant handlers.
type Dispatcher struct {
	codes    storage.CodeStore
	tokens   storage.TokenStore
	resolver *resources.Resolver
	issuer   *tokens.Issuer
	issuerID string
	logger   *zap.Logger
}

// NewDispatcher creates a grant dispatcher.
func NewDispatcher(codes storage.CodeStore, tokenStore storage.TokenStore, resolver *resources.Resolver, issuer *tokens.Issuer, issuerID string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		codes:    codes,
		tokens:   tokenStore,
		resolver: resolver,
		issuer:   issuer,
		issuerID: issuerID,
		logger:   logger,
	}
}

// Dispatch handles one token request for an authenticated client.
func (d *Dispatcher) Dispatch(ctx context.Context, client *models.Client, req *TokenRequest) (*models.TokenResponse, *errors.ProtocolError) {
	if req.GrantType == "" {
		return nil, errors.ErrInvalidRequest.WithDescription("grant_type is required")
	}

	switch req.GrantType {
	case models.FlowAuthorizationCode:
		return d.authorizationCode(ctx, client, req)
	case models.FlowClientCredentials:
		return d.clientCredentials(ctx, client, req)
	case models.FlowRefreshToken:
		return d.refreshToken(ctx, client, req)
	default:
		return nil, errors.ErrUnsupportedGrantType
	}
}

func (d *Dispatcher) authorizationCode(ctx context.Context, client *models.Client, req *TokenRequest) (*models.TokenResponse, *errors.ProtocolError) {
	if !client.AllowsGrantType(models.FlowAuthorizationCode) {
		return nil, errors.ErrUnauthorizedClient
	}
	if req.Code == "" {
		return nil, errors.ErrInvalidRequest.WithDescription("code is required")
	}
	if req.CodeVerifier == "" {
		return nil, errors.ErrInvalidRequest.WithDescription("code_verifier is required")
	}

	// The code is consumed before any further check so a failed redemption
	// still burns it.
	code, err := d.codes.TakeCode(ctx, req.Code)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	if code == nil {
		return nil, errors.ErrInvalidGrant
	}

	now := time.Now()
	if code.ClientID != client.ClientID || code.IsExpired(now) {
		return nil, errors.ErrInvalidGrant
	}
	if protoErr := verifyCodeVerifier(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod); protoErr != nil {
		return nil, protoErr
	}

	// redirect_uri must be replayed exactly when the authorize request
	// carried one, and must be absent when it did not.
	if code.RedirectURI != "" {
		if req.RedirectURI != code.RedirectURI {
			return nil, errors.ErrInvalidGrant
		}
	} else if req.RedirectURI != "" {
		return nil, errors.ErrInvalidGrant
	}

	scopes, protoErr := narrowScopes(req, code.GrantedScopes)
	if protoErr != nil {
		return nil, protoErr
	}

	valid, protoErr := d.resolveScopes(ctx, client, scopes)
	if protoErr != nil {
		return nil, protoErr
	}

	return d.issue(ctx, client, &issuance{
		subject:   code.Subject,
		sessionID: code.SessionID,
		authTime:  code.AuthTime,
		nonce:     code.Nonce,
		claims:    code.Claims,
		valid:     valid,
		issuedAt:  now,
	})
}

func (d *Dispatcher) clientCredentials(ctx context.Context, client *models.Client, req *TokenRequest) (*models.TokenResponse, *errors.ProtocolError) {
	if !client.AllowsGrantType(models.FlowClientCredentials) {
		return nil, errors.ErrUnauthorizedClient
	}
	if !client.Confidential {
		return nil, errors.ErrUnauthorizedClient.WithDescription("client_credentials requires a confidential client")
	}
	if req.Code != "" || req.RefreshToken != "" {
		return nil, errors.ErrInvalidRequest.WithDescription("unexpected parameter for client_credentials")
	}

	// Without an explicit scope parameter the grant defaults to the
	// client's allowed scopes; identity-classified ones are shed rather
	// than failing a registration that also serves interactive flows.
	scopes := client.Scopes
	filter := resources.AccessTokenDefaulted
	if req.ScopeProvided {
		var protoErr *errors.ProtocolError
		scopes, protoErr = parseScopeParameter(req.Scope)
		if protoErr != nil {
			return nil, protoErr
		}
		filter = resources.AccessTokenOnly
	}

	valid, protoErr := d.resolver.Validate(ctx, client, scopes, filter)
	if protoErr != nil {
		return nil, protoErr
	}
	// No end-user is involved, so neither refresh tokens nor ID tokens
	// are issued.
	valid.OfflineAccess = false

	return d.issue(ctx, client, &issuance{
		subject:  client.ClientID,
		valid:    valid,
		issuedAt: time.Now(),
	})
}

func (d *Dispatcher) refreshToken(ctx context.Context, client *models.Client, req *TokenRequest) (*models.TokenResponse, *errors.ProtocolError) {
	if !client.AllowsGrantType(models.FlowRefreshToken) {
		return nil, errors.ErrUnauthorizedClient
	}
	if req.RefreshToken == "" {
		return nil, errors.ErrInvalidRequest.WithDescription("refresh_token is required")
	}

	// Rotation: the presented token is consumed whether or not the
	// request succeeds.
	record, err := d.tokens.TakeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	if record == nil {
		return nil, errors.ErrInvalidGrant
	}

	now := time.Now()
	if record.ClientID != client.ClientID || record.IsExpired(now) {
		return nil, errors.ErrInvalidGrant
	}

	scopes, protoErr := narrowScopes(req, record.Scopes)
	if protoErr != nil {
		return nil, protoErr
	}

	valid, protoErr := d.resolveScopes(ctx, client, scopes)
	if protoErr != nil {
		return nil, protoErr
	}
	// The grant keeps its refresh capability across rotations even though
	// offline_access is not re-requested by name.
	valid.OfflineAccess = true

	// Revoke the access token the consumed refresh token points at.
	// Reference handles only; JWTs are not persisted and cannot be recalled.
	if record.AccessTokenID != "" {
		if err := d.tokens.DeleteAccessToken(ctx, record.AccessTokenID); err != nil {
			d.logger.Warn("Failed to revoke rotated access token", zap.Error(err))
		}
	}

	return d.issue(ctx, client, &issuance{
		subject:          record.Subject,
		sessionID:        record.SessionID,
		authTime:         record.AuthTime,
		claims:           record.Claims,
		valid:            valid,
		issuedAt:         now,
		parentTokenID:    req.RefreshToken,
		absoluteDeadline: record.AbsoluteExpiresAt,
	})
}

// issuance carries everything a settled grant needs to mint tokens.
type issuance struct {
	subject   string
	sessionID string
	authTime  time.Time
	nonce     string
	claims    map[string]any
	valid     *resources.ValidResources
	issuedAt  time.Time

	parentTokenID    string
	absoluteDeadline time.Time
}

func (d *Dispatcher) issue(ctx context.Context, client *models.Client, grant *issuance) (*models.TokenResponse, *errors.ProtocolError) {
	accessToken, err := d.issuer.IssueAccessToken(ctx, &tokens.AccessTokenRequest{
		Client:       client,
		Subject:      grant.subject,
		SessionID:    grant.sessionID,
		Scopes:       grant.valid.Scopes(),
		Resources:    grant.valid.Resources,
		ScopeClaims:  grant.valid.ScopeClaims,
		TicketClaims: grant.claims,
		IssuedAt:     grant.issuedAt,
	})
	if err != nil {
		d.logger.Error("Failed to issue access token", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrServerError)
	}

	response := &models.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenLifetime / time.Second),
		Scope:       strings.Join(grant.valid.Scopes(), " "),
		Issuer:      d.issuerID,
	}

	if grant.valid.HasOpenID() {
		idToken, err := d.issuer.IssueIDToken(ctx, &tokens.IDTokenRequest{
			Client:       client,
			Subject:      grant.subject,
			SessionID:    grant.sessionID,
			Nonce:        grant.nonce,
			AuthTime:     grant.authTime,
			ScopeClaims:  grant.valid.ScopeClaims,
			TicketClaims: grant.claims,
			IssuedAt:     grant.issuedAt,
		})
		if err != nil {
			d.logger.Error("Failed to issue ID token", zap.Error(err))
			return nil, errors.Wrap(err, errors.ErrServerError)
		}
		response.IDToken = idToken
	}

	if grant.valid.OfflineAccess {
		// Only reference access tokens can be revoked on rotation, so only
		// their handles are linked to the refresh token record.
		accessTokenID := ""
		if client.AccessTokenFormat == models.AccessTokenFormatReference {
			accessTokenID = accessToken
		}
		refreshToken, err := d.issuer.IssueRefreshToken(ctx, &tokens.RefreshTokenRequest{
			Client:           client,
			Subject:          grant.subject,
			SessionID:        grant.sessionID,
			AuthTime:         grant.authTime,
			Scopes:           grant.valid.Scopes(),
			TicketClaims:     grant.claims,
			AccessTokenID:    accessTokenID,
			ParentTokenID:    grant.parentTokenID,
			IssuedAt:         grant.issuedAt,
			AbsoluteDeadline: grant.absoluteDeadline,
		})
		if err != nil {
			d.logger.Error("Failed to issue refresh token", zap.Error(err))
			return nil, errors.Wrap(err, errors.ErrServerError)
		}
		response.RefreshToken = refreshToken
	}

	return response, nil
}

// resolveScopes re-validates a settled scope set. The filter depends on
// whether openid survived narrowing: without it the grant may only carry
// access-token scopes.
func (d *Dispatcher) resolveScopes(ctx context.Context, client *models.Client, scopes []string) (*resources.ValidResources, *errors.ProtocolError) {
	filter := resources.AccessTokenOnly
	for _, s := range scopes {
		if s == models.ScopeOpenID {
			filter = resources.AllTokenTypes
			break
		}
	}
	return d.resolver.Validate(ctx, client, scopes, filter)
}

// narrowScopes applies the optional token endpoint scope parameter. The
// narrowed set must be a non-empty subset of the originally granted scopes.
func narrowScopes(req *TokenRequest, granted []string) ([]string, *errors.ProtocolError) {
	if !req.ScopeProvided {
		return granted, nil
	}

	requested, protoErr := parseScopeParameter(req.Scope)
	if protoErr != nil {
		return nil, protoErr
	}
	for _, s := range requested {
		if !containsValue(granted, s) {
			return nil, errors.ErrInvalidScope.WithDescription("scope %q exceeds the original grant", s)
		}
	}
	return requested, nil
}

func parseScopeParameter(raw string) ([]string, *errors.ProtocolError) {
	scopes := strings.Fields(raw)
	if len(scopes) == 0 {
		return nil, errors.ErrInvalidScope.WithDescription("scope must not be empty")
	}
	return scopes, nil
}

func containsValue(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}
