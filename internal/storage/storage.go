// Package storage holds the operational-state collaborators the engine
// depends on: pending authorize requests, authorization codes, consent,
// issued reference tokens and persisted error messages. Implementations own
// expiry and atomicity; the engine only sees opaque handles.
package storage

import (
	"context"
	"time"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
)

// AuthorizeRequestStore persists validated authorize requests while end-user
// interaction is pending.
type AuthorizeRequestStore interface {
	StoreRequest(ctx context.Context, req *models.ValidatedAuthorizeRequest, ttl time.Duration) error
	FindRequest(ctx context.Context, handle string) (*models.ValidatedAuthorizeRequest, error)
	DeleteRequest(ctx context.Context, handle string) error
}

// CodeStore persists authorization codes. TakeCode must atomically remove the
// record so that two concurrent redemptions observe at most one success.
type CodeStore interface {
	StoreCode(ctx context.Context, handle string, code *models.AuthorizationCode, ttl time.Duration) error
	TakeCode(ctx context.Context, handle string) (*models.AuthorizationCode, error)
}

// ConsentStore persists one-shot consent decisions keyed by
// (request handle, subject) and remembered grants keyed by (subject, client).
type ConsentStore interface {
	StoreDecision(ctx context.Context, handle, subject string, decision *models.ConsentDecision, ttl time.Duration) error
	TakeDecision(ctx context.Context, handle, subject string) (*models.ConsentDecision, error)

	GetGrantedConsent(ctx context.Context, subject, clientID string) (*models.GrantedConsentRecord, error)
	UpsertGrantedConsent(ctx context.Context, record *models.GrantedConsentRecord) error
	DeleteGrantedConsent(ctx context.Context, subject, clientID string) error
}

// TokenStore persists reference-format access tokens and refresh tokens.
// TakeRefreshToken removes the record so rotation consumes the parent.
type TokenStore interface {
	StoreAccessToken(ctx context.Context, handle string, record *models.AccessTokenRecord, ttl time.Duration) error
	FindAccessToken(ctx context.Context, handle string) (*models.AccessTokenRecord, error)
	DeleteAccessToken(ctx context.Context, handle string) error

	StoreRefreshToken(ctx context.Context, handle string, record *models.RefreshTokenRecord, ttl time.Duration) error
	TakeRefreshToken(ctx context.Context, handle string) (*models.RefreshTokenRecord, error)
}

// ErrorStore persists protocol errors that cannot be redirected to the client
// and are shown on the generic error page instead.
type ErrorStore interface {
	StoreError(ctx context.Context, id string, stored *models.StoredError, ttl time.Duration) error
	TakeError(ctx context.Context, id string) (*models.StoredError, error)
}

// RateLimiter counts token-endpoint requests per client within a window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error)
}

// Store is the full set of operational-state collaborators.
type Store interface {
	AuthorizeRequestStore
	CodeStore
	ConsentStore
	TokenStore
	ErrorStore
	RateLimiter

	Close() error
}
