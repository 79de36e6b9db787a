package models

import "time"

// Scope token-type classification. The two kinds are mutually exclusive.
const (
	TokenTypeIDToken     = "id_token"
	TokenTypeAccessToken = "access_token"
)

// Authorization flows a client may be allowed to use.
const (
	FlowAuthorizationCode = "authorization_code"
	FlowHybrid            = "hybrid"
	FlowClientCredentials = "client_credentials"
	FlowRefreshToken      = "refresh_token"
)

// Access token representations.
const (
	AccessTokenFormatJWT       = "jwt"
	AccessTokenFormatReference = "reference"
)

// Well-known scope names with engine-level semantics.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// PKCE code_challenge_method values.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// prompt parameter values.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Response modes supported for the authorize endpoint.
const (
	ResponseModeQuery    = "query"
	ResponseModeFormPost = "form_post"
)

// Response types supported for the authorize endpoint.
const (
	ResponseTypeCode        = "code"
	ResponseTypeCodeIDToken = "code id_token"
)

// Client is an OAuth client registration. Immutable per request; owned by
// configuration storage.
type Client struct {
	ClientID                string
	ClientSecretHash        string
	TokenEndpointAuthMethod string
	Confidential            bool

	GrantTypes    []string
	ResponseTypes []string
	Flows         []string
	Scopes        []string
	RedirectURIs  []string
	PKCEMethods   []string

	AccessTokenFormat            string
	AccessTokenLifetime          time.Duration
	IDTokenLifetime              time.Duration
	AuthorizationCodeLifetime    time.Duration
	RefreshTokenSlidingLifetime  time.Duration
	RefreshTokenAbsoluteLifetime time.Duration
	AllowedSigningAlgs           []string
	EmitScopeAsList              bool

	RequireConsent     bool
	CanRememberConsent bool
	ConsentLifetime    time.Duration

	RateLimit int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllowsGrantType reports whether the client may use the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	return contains(c.GrantTypes, grantType)
}

// AllowsFlow reports whether the client may use the given authorization flow.
func (c *Client) AllowsFlow(flow string) bool {
	return contains(c.Flows, flow)
}

// AllowsPKCEMethod reports whether the client may use the given
// code_challenge_method.
func (c *Client) AllowsPKCEMethod(method string) bool {
	return contains(c.PKCEMethods, method)
}

// AllowsScope reports whether the scope is in the client's allowed set.
func (c *Client) AllowsScope(scope string) bool {
	return contains(c.Scopes, scope)
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

// Scope is a named permission unit, classified as contributing either to the
// ID token or to access tokens.
type Scope struct {
	Name            string
	TokenType       string
	UserClaims      []string
	ShowInDiscovery bool
}

// Resource is a protected API backed by a set of access-token scopes.
type Resource struct {
	Name   string
	Scopes []string
}

// AuthenticationTicket is the caller's authentication state, supplied by the
// external authentication collaborator. Read-only to the engine.
type AuthenticationTicket struct {
	Subject         string
	SessionID       string
	AuthenticatedAt time.Time
	Claims          map[string]any
}

// ConsentDecision is a single recorded login/consent outcome, keyed by
// (authorize-request handle, subject). Read once, then deleted.
type ConsentDecision struct {
	Granted   bool
	Scopes    []string
	Remember  bool
	ErrorCode string
}

// GrantedConsentRecord is a remembered consent grant keyed by
// (subject, client).
type GrantedConsentRecord struct {
	Subject   string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the remembered grant has passed its expiry.
func (r *GrantedConsentRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Covers reports whether the remembered grant is a superset of the requested
// scopes.
func (r *GrantedConsentRecord) Covers(requested []string) bool {
	for _, s := range requested {
		if !contains(r.Scopes, s) {
			return false
		}
	}
	return true
}

// ValidatedAuthorizeRequest is the immutable result of the authorize
// parameter validator chain. It is persisted under an opaque handle while
// interaction is pending and consumed exactly once.
type ValidatedAuthorizeRequest struct {
	Handle string

	ClientID            string
	ResponseType        string
	Flow                string
	RedirectURI         string
	RedirectURIProvided bool
	State               string
	ResponseMode        string
	CodeChallenge       string
	CodeChallengeMethod string

	IDTokenScopes     []string
	AccessTokenScopes []string
	Resources         []string
	OfflineAccess     bool

	IsOpenID  bool
	Nonce     string
	Prompt    []string
	MaxAge    *int64
	LoginHint string
	ACRValues []string
	Display   string
	UILocales []string

	CreatedAt time.Time
}

// RequestedScopes returns the full resolved scope set, ID-token scopes first.
func (r *ValidatedAuthorizeRequest) RequestedScopes() []string {
	scopes := make([]string, 0, len(r.IDTokenScopes)+len(r.AccessTokenScopes)+1)
	scopes = append(scopes, r.IDTokenScopes...)
	scopes = append(scopes, r.AccessTokenScopes...)
	if r.OfflineAccess {
		scopes = append(scopes, ScopeOfflineAccess)
	}
	return scopes
}

// HasPrompt reports whether the prompt set contains the given value.
func (r *ValidatedAuthorizeRequest) HasPrompt(value string) bool {
	return contains(r.Prompt, value)
}
