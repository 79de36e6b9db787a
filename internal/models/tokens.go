package models

import "time"

// AuthorizationCode is the server-side record behind an issued code. Single
// use: every lookup, successful or not, deletes the record.
type AuthorizationCode struct {
	ClientID            string
	Subject             string
	SessionID           string
	AuthTime            time.Time
	Claims              map[string]any
	GrantedScopes       []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// IsExpired reports whether the code has passed its expiry.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AccessTokenRecord is a reference-format access token persisted server-side
// under an opaque handle. JWT-format tokens are never persisted.
type AccessTokenRecord struct {
	ClientID  string
	Subject   string
	SessionID string
	Scopes    []string
	Claims    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshTokenRecord links to the originating access token and, once rotated,
// to its parent refresh token. Expiry is hybrid: the sooner of the sliding
// and absolute deadlines wins.
type RefreshTokenRecord struct {
	ClientID          string
	Subject           string
	SessionID         string
	AuthTime          time.Time
	Scopes            []string
	Claims            map[string]any
	AccessTokenID     string
	ParentTokenID     string
	IssuedAt          time.Time
	SlidingExpiresAt  time.Time
	AbsoluteExpiresAt time.Time
}

// ExpiresAt returns the effective expiry under the hybrid strategy.
func (r *RefreshTokenRecord) ExpiresAt() time.Time {
	if r.SlidingExpiresAt.Before(r.AbsoluteExpiresAt) {
		return r.SlidingExpiresAt
	}
	return r.AbsoluteExpiresAt
}

// IsExpired reports whether the refresh token has passed its effective expiry.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Issuer       string `json:"iss"`
}

// StoredError is a protocol error persisted server-side so the generic error
// page can show it without redirecting through the client.
type StoredError struct {
	Code        string    `json:"error"`
	Description string    `json:"error_description"`
	ClientID    string    `json:"client_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
