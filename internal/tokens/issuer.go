// Package tokens assembles claims and issues access tokens, ID tokens and
// refresh tokens.
package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/auth"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
)

// Issuer creates signed or reference-format tokens for validated grants.
type Issuer struct {
	keyManager *auth.KeyManager
	store      storage.TokenStore
	issuer     string
	logger     *zap.Logger
}

// NewIssuer creates a token issuance service.
func NewIssuer(keyManager *auth.KeyManager, store storage.TokenStore, issuer string, logger *zap.Logger) *Issuer {
	return &Issuer{
		keyManager: keyManager,
		store:      store,
		issuer:     issuer,
		logger:     logger,
	}
}

// AccessTokenRequest describes one access token to issue.
type AccessTokenRequest struct {
	Client       *models.Client
	Subject      string
	SessionID    string
	Scopes       []string
	Resources    []string
	ScopeClaims  map[string][]string
	TicketClaims map[string]any
	IssuedAt     time.Time
}

// IssueAccessToken issues either a signed JWT or a stored reference token
// depending on the client's configured format. Timestamps are truncated to
// whole seconds so issued-at/expiry arithmetic matches what tokens echo.
func (i *Issuer) IssueAccessToken(ctx context.Context, req *AccessTokenRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := req.IssuedAt.Truncate(time.Second)
	expiresAt := now.Add(req.Client.AccessTokenLifetime)
	userClaims := selectUserClaims(req.ScopeClaims, req.TicketClaims)

	if req.Client.AccessTokenFormat == models.AccessTokenFormatReference {
		handle := ksuid.New().String()
		record := &models.AccessTokenRecord{
			ClientID:  req.Client.ClientID,
			Subject:   req.Subject,
			SessionID: req.SessionID,
			Scopes:    req.Scopes,
			Claims:    userClaims,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		}
		if err := i.store.StoreAccessToken(ctx, handle, record, req.Client.AccessTokenLifetime); err != nil {
			i.logger.Error("Failed to store reference access token", zap.Error(err))
			return "", err
		}
		return handle, nil
	}

	claims := jwt.MapClaims{
		"iss":       i.issuer,
		"sub":       req.Subject,
		"client_id": req.Client.ClientID,
		"scope":     scopeClaim(req.Scopes, req.Client.EmitScopeAsList),
		"iat":       now.Unix(),
		"exp":       expiresAt.Unix(),
		"jti":       uuid.New().String(),
	}
	if len(req.Resources) > 0 {
		claims["aud"] = audienceClaim(req.Resources)
	}
	if req.SessionID != "" {
		claims["sid"] = req.SessionID
	}
	for name, value := range userClaims {
		claims[name] = value
	}

	return i.sign(claims, req.Client.AllowedSigningAlgs)
}

// IDTokenRequest describes one ID token to issue.
type IDTokenRequest struct {
	Client       *models.Client
	Subject      string
	SessionID    string
	Nonce        string
	AuthTime     time.Time
	ScopeClaims  map[string][]string
	TicketClaims map[string]any
	IssuedAt     time.Time
}

// IssueIDToken issues a signed ID token. ID tokens are always JWTs.
func (i *Issuer) IssueIDToken(ctx context.Context, req *IDTokenRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := req.IssuedAt.Truncate(time.Second)
	claims := jwt.MapClaims{
		"iss":       i.issuer,
		"sub":       req.Subject,
		"aud":       req.Client.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(req.Client.IDTokenLifetime).Unix(),
		"auth_time": req.AuthTime.Truncate(time.Second).Unix(),
		"jti":       uuid.New().String(),
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.SessionID != "" {
		claims["sid"] = req.SessionID
	}
	for name, value := range selectUserClaims(req.ScopeClaims, req.TicketClaims) {
		claims[name] = value
	}

	return i.sign(claims, req.Client.AllowedSigningAlgs)
}

// RefreshTokenRequest describes one refresh token to issue.
type RefreshTokenRequest struct {
	Client        *models.Client
	Subject       string
	SessionID     string
	AuthTime      time.Time
	Scopes        []string
	TicketClaims  map[string]any
	AccessTokenID string
	ParentTokenID string
	IssuedAt      time.Time

	// AbsoluteDeadline anchors the absolute expiry at first issuance so
	// rotation cannot extend it. Zero starts a fresh window.
	AbsoluteDeadline time.Time
}

// IssueRefreshToken stores a refresh token record under a fresh opaque
// handle. Expiry is hybrid: the sliding window renews per issuance, the
// absolute deadline is inherited across rotations, and the sooner one wins.
func (i *Issuer) IssueRefreshToken(ctx context.Context, req *RefreshTokenRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := req.IssuedAt.Truncate(time.Second)
	absolute := req.AbsoluteDeadline
	if absolute.IsZero() {
		absolute = now.Add(req.Client.RefreshTokenAbsoluteLifetime)
	}

	record := &models.RefreshTokenRecord{
		ClientID:          req.Client.ClientID,
		Subject:           req.Subject,
		SessionID:         req.SessionID,
		AuthTime:          req.AuthTime.Truncate(time.Second),
		Scopes:            req.Scopes,
		Claims:            req.TicketClaims,
		AccessTokenID:     req.AccessTokenID,
		ParentTokenID:     req.ParentTokenID,
		IssuedAt:          now,
		SlidingExpiresAt:  now.Add(req.Client.RefreshTokenSlidingLifetime),
		AbsoluteExpiresAt: absolute,
	}

	ttl := time.Until(record.ExpiresAt())
	if ttl <= 0 {
		return "", fmt.Errorf("refresh token would be issued already expired")
	}

	handle := ksuid.New().String()
	if err := i.store.StoreRefreshToken(ctx, handle, record, ttl); err != nil {
		i.logger.Error("Failed to store refresh token", zap.Error(err))
		return "", err
	}
	return handle, nil
}

func (i *Issuer) sign(claims jwt.MapClaims, allowedAlgs []string) (string, error) {
	signingKey, err := i.keyManager.SigningKeyFor(allowedAlgs)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(signingKey.Algorithm), claims)
	token.Header["kid"] = signingKey.KeyID

	signed, err := token.SignedString(signingKey.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
