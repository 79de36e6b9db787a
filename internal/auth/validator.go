package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
)

// TokenValidator validates issued access tokens for resource servers: JWTs
// by signature and claims, reference tokens by storage lookup.
type TokenValidator struct {
	keyManager *KeyManager
	issuer     string
	store      storage.TokenStore
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(keyManager *KeyManager, issuer string, store storage.TokenStore) *TokenValidator {
	return &TokenValidator{
		keyManager: keyManager,
		issuer:     issuer,
		store:      store,
	}
}

// ValidateJWT validates a JWT access token and returns its claims.
func (tv *TokenValidator) ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			if _, ok := token.Method.(*jwt.SigningMethodRSAPSS); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		}
		// Require kid so we always pick an explicit key; no fallback.
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid in token header")
		}
		pub, err := tv.keyManager.GetPublicKeyByID(kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key for kid %s: %w", kid, err)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if iss, ok := claims["iss"].(string); !ok || iss != tv.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}

	// Check expiration (the jwt library already validates this, but double-check)
	if exp, ok := claims["exp"].(float64); ok {
		if time.Now().Unix() > int64(exp) {
			return nil, fmt.Errorf("token has expired")
		}
	}

	return claims, nil
}

// ValidateReference resolves a reference-format access token handle. Expired
// or unknown handles fail; storage expiry handles most of this already.
func (tv *TokenValidator) ValidateReference(ctx context.Context, handle string) (map[string]any, error) {
	record, err := tv.store.FindAccessToken(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to look up reference token: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("unknown or expired reference token")
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("reference token has expired")
	}

	claims := map[string]any{
		"iss":       tv.issuer,
		"sub":       record.Subject,
		"client_id": record.ClientID,
		"scope":     record.Scopes,
		"iat":       record.IssuedAt.Unix(),
		"exp":       record.ExpiresAt.Unix(),
	}
	for k, v := range record.Claims {
		claims[k] = v
	}
	return claims, nil
}
