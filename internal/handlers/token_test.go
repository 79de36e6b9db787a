package handlers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/auth"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/config"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/grants"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/resources"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/tokens"
)

const (
	testIssuer   = "https://auth.example.com"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testSecret   = "s3cret"
)

func testKeyManager(t *testing.T) *auth.KeyManager {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	km, err := auth.NewKeyManager(string(privPEM), string(pubPEM))
	require.NoError(t, err)
	return km
}

func testConfig() *config.Config {
	return &config.Config{
		Issuer:              testIssuer,
		BaseURL:             testIssuer,
		LoginURL:            "https://ui.example.com/login",
		ConsentURL:          "https://ui.example.com/consent",
		SessionCookie:       "auth_session",
		AuthorizeRequestTTL: 15 * time.Minute,
		StoredErrorTTL:      10 * time.Minute,
		ConsentDecisionTTL:  15 * time.Minute,
		RateLimitWindow:     time.Minute,
	}
}

func hexChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return hex.EncodeToString(sum[:])
}

func secretHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func confidentialClient(t *testing.T) *models.Client {
	return &models.Client{
		ClientID:         "web-app",
		ClientSecretHash: secretHash(t),
		Confidential:     true,
		GrantTypes:       []string{models.FlowAuthorizationCode, models.FlowClientCredentials, models.FlowRefreshToken},
		Flows:            []string{models.FlowAuthorizationCode},
		Scopes:           []string{"openid", "profile", "api.read"},
		RedirectURIs:     []string{"https://app.example.com/cb"},
		PKCEMethods:      []string{models.PKCEMethodS256},

		AccessTokenFormat:            models.AccessTokenFormatJWT,
		AccessTokenLifetime:          time.Hour,
		IDTokenLifetime:              5 * time.Minute,
		AuthorizationCodeLifetime:    time.Minute,
		RefreshTokenSlidingLifetime:  24 * time.Hour,
		RefreshTokenAbsoluteLifetime: 30 * 24 * time.Hour,

		RateLimit: 100,
	}
}

func publicClient() *models.Client {
	return &models.Client{
		ClientID:     "cli-app",
		Confidential: false,
		GrantTypes:   []string{models.FlowAuthorizationCode},
		Flows:        []string{models.FlowAuthorizationCode},
		Scopes:       []string{"api.read"},
		RedirectURIs: []string{"http://127.0.0.1/cb"},
		PKCEMethods:  []string{models.PKCEMethodS256},

		AccessTokenFormat:         models.AccessTokenFormatJWT,
		AccessTokenLifetime:       time.Hour,
		AuthorizationCodeLifetime: time.Minute,

		RateLimit: 100,
	}
}

func testScopes() []*models.Scope {
	return []*models.Scope{
		{Name: "openid", TokenType: models.TokenTypeIDToken, ShowInDiscovery: true},
		{Name: "profile", TokenType: models.TokenTypeIDToken, UserClaims: []string{"name"}, ShowInDiscovery: true},
		{Name: "api.read", TokenType: models.TokenTypeAccessToken, ShowInDiscovery: true},
	}
}

func newTokenTestHandler(t *testing.T, clients ...*models.Client) (*TokenHandler, *storage.MemoryStore) {
	t.Helper()

	repo := database.NewStaticRepository(clients, testScopes(),
		[]*models.Resource{{Name: "api", Scopes: []string{"api.read"}}})
	store := storage.NewMemoryStore()
	logger := zap.NewNop()

	resolver := resources.NewResolver(repo, logger)
	issuer := tokens.NewIssuer(testKeyManager(t), store, testIssuer, logger)
	dispatcher := grants.NewDispatcher(store, store, resolver, issuer, testIssuer, logger)

	return NewTokenHandler(repo, store, dispatcher, testConfig(), logger), store
}

func storeCode(t *testing.T, store *storage.MemoryStore, client *models.Client) {
	t.Helper()
	code := &models.AuthorizationCode{
		ClientID:            client.ClientID,
		Subject:             "user-1",
		SessionID:           "sess-1",
		AuthTime:            time.Now().Add(-time.Minute),
		GrantedScopes:       []string{"openid", "profile", "api.read"},
		RedirectURI:         client.RedirectURIs[0],
		CodeChallenge:       hexChallenge(testVerifier),
		CodeChallengeMethod: models.PKCEMethodS256,
		IssuedAt:            time.Now(),
		ExpiresAt:           time.Now().Add(time.Minute),
	}
	require.NoError(t, store.StoreCode(context.Background(), "code-1", code, time.Minute))
}

func postToken(handler *TokenHandler, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/connect/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		r.SetBasicAuth(basicUser, basicPass)
	}
	w := httptest.NewRecorder()
	handler.HandleToken(w, r)
	return w
}

func TestHandleToken_AuthorizationCode(t *testing.T) {
	client := confidentialClient(t)
	handler, store := newTokenTestHandler(t, client)
	storeCode(t, store, client)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"code-1"},
		"code_verifier": {testVerifier},
		"redirect_uri":  {client.RedirectURIs[0]},
	}
	w := postToken(handler, form, client.ClientID, testSecret)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var response models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.NotEmpty(t, response.AccessToken)
	assert.NotEmpty(t, response.IDToken)
	assert.Equal(t, "Bearer", response.TokenType)
	assert.Equal(t, int64(3600), response.ExpiresIn)
	assert.Equal(t, testIssuer, response.Issuer)
}

func TestHandleToken_ClientSecretPost(t *testing.T) {
	client := confidentialClient(t)
	handler, store := newTokenTestHandler(t, client)
	storeCode(t, store, client)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"client_secret": {testSecret},
		"code":          {"code-1"},
		"code_verifier": {testVerifier},
		"redirect_uri":  {client.RedirectURIs[0]},
	}
	w := postToken(handler, form, "", "")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleToken_WrongSecret(t *testing.T) {
	client := confidentialClient(t)
	handler, _ := newTokenTestHandler(t, client)

	form := url.Values{"grant_type": {"client_credentials"}}
	w := postToken(handler, form, client.ClientID, "nope")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_client", body["error"])
}

func TestHandleToken_ErrorBodyCarriesIssuer(t *testing.T) {
	client := confidentialClient(t)
	handler, _ := newTokenTestHandler(t, client)

	form := url.Values{"grant_type": {"password"}}
	w := postToken(handler, form, client.ClientID, testSecret)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unsupported_grant_type", body["error"])
	assert.Equal(t, testIssuer, body["iss"])
}

func TestHandleToken_PublicClientWithSecretRejected(t *testing.T) {
	client := publicClient()
	handler, _ := newTokenTestHandler(t, client)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ClientID},
		"client_secret": {"anything"},
		"code":          {"code-1"},
		"code_verifier": {testVerifier},
	}
	w := postToken(handler, form, "", "")

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_client", body["error"])
}

func TestHandleToken_ClientIDMismatchBetweenHeaderAndBody(t *testing.T) {
	client := confidentialClient(t)
	handler, _ := newTokenTestHandler(t, client)

	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"someone-else"},
	}
	w := postToken(handler, form, client.ClientID, testSecret)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body["error"])
}

func TestHandleToken_RateLimited(t *testing.T) {
	client := confidentialClient(t)
	client.RateLimit = 1
	handler, _ := newTokenTestHandler(t, client)

	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"api.read"}}
	first := postToken(handler, form, client.ClientID, testSecret)
	require.Equal(t, http.StatusOK, first.Code)

	second := postToken(handler, form, client.ClientID, testSecret)
	require.Equal(t, http.StatusServiceUnavailable, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, "temporarily_unavailable", body["error"])
}

func TestHandleToken_GetNotAllowed(t *testing.T) {
	handler, _ := newTokenTestHandler(t, confidentialClient(t))

	r := httptest.NewRequest(http.MethodGet, "/connect/token", nil)
	w := httptest.NewRecorder()
	handler.HandleToken(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
