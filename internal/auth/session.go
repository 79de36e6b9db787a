package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
)

// SessionReader resolves the end-user authentication attached to a request.
// Authentication itself happens in the external login UI; the engine only
// consumes the resulting session.
type SessionReader interface {
	ReadTicket(ctx context.Context, r *http.Request) (*models.AuthenticationTicket, error)
}

// CookieSessionReader reads the authentication session from a signed JWT
// cookie minted by the login UI with the engine's signing keys. An absent,
// malformed or expired cookie means the caller is unauthenticated, never an
// error.
type CookieSessionReader struct {
	validator  *TokenValidator
	cookieName string
	logger     *zap.Logger
}

// NewCookieSessionReader creates a session reader for the named cookie.
func NewCookieSessionReader(validator *TokenValidator, cookieName string, logger *zap.Logger) *CookieSessionReader {
	return &CookieSessionReader{
		validator:  validator,
		cookieName: cookieName,
		logger:     logger,
	}
}

// sessionClaims are lifted into ticket fields instead of the claims map.
var sessionClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {},
	"jti": {}, "sid": {}, "auth_time": {},
}

// ReadTicket extracts the authentication ticket from the session cookie.
func (sr *CookieSessionReader) ReadTicket(_ context.Context, r *http.Request) (*models.AuthenticationTicket, error) {
	cookie, err := r.Cookie(sr.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	claims, err := sr.validator.ValidateJWT(cookie.Value)
	if err != nil {
		sr.logger.Debug("Rejected session cookie", zap.Error(err))
		return nil, nil
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, nil
	}

	ticket := &models.AuthenticationTicket{
		Subject: subject,
		Claims:  make(map[string]any),
	}
	if sid, ok := claims["sid"].(string); ok {
		ticket.SessionID = sid
	}
	if authTime, ok := claims["auth_time"].(float64); ok {
		ticket.AuthenticatedAt = time.Unix(int64(authTime), 0)
	} else if iat, ok := numericClaim(claims, "iat"); ok {
		ticket.AuthenticatedAt = time.Unix(iat, 0)
	}
	if ticket.AuthenticatedAt.IsZero() {
		return nil, nil
	}

	for name, value := range claims {
		if _, skip := sessionClaims[name]; skip {
			continue
		}
		ticket.Claims[name] = value
	}

	return ticket, nil
}

func numericClaim(claims jwt.MapClaims, name string) (int64, bool) {
	v, ok := claims[name].(float64)
	if !ok {
		return 0, false
	}
	return int64(v), true
}
