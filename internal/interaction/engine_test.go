package interaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

func consentClient() *models.Client {
	return &models.Client{
		ClientID:           "app",
		RequireConsent:     true,
		CanRememberConsent: true,
		ConsentLifetime:    30 * 24 * time.Hour,
	}
}

func openRequest() *models.ValidatedAuthorizeRequest {
	return &models.ValidatedAuthorizeRequest{
		Handle:            "req-1",
		ClientID:          "app",
		IDTokenScopes:     []string{"openid"},
		AccessTokenScopes: []string{"api.read"},
		IsOpenID:          true,
		CreatedAt:         time.Now().Truncate(time.Second),
	}
}

func freshTicket() *models.AuthenticationTicket {
	return &models.AuthenticationTicket{
		Subject:         "user-1",
		SessionID:       "sess-1",
		AuthenticatedAt: time.Now(),
	}
}

func newTestEngine() (*Engine, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewEngine(store, nil, zap.NewNop()), store
}

func TestDecide_UnauthenticatedNeedsLogin(t *testing.T) {
	engine, _ := newTestEngine()

	result := engine.Decide(context.Background(), consentClient(), openRequest(), nil)
	assert.Equal(t, StatusNeedsLogin, result.Status)
}

func TestDecide_UnauthenticatedPromptNone(t *testing.T) {
	engine, _ := newTestEngine()

	req := openRequest()
	req.Prompt = []string{models.PromptNone}

	result := engine.Decide(context.Background(), consentClient(), req, nil)
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, errors.CodeLoginRequired, result.Err.Code)
}

func TestDecide_PreAuthDenialReplayed(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	decision := &models.ConsentDecision{Granted: false, ErrorCode: errors.CodeAccessDenied}
	require.NoError(t, store.StoreDecision(ctx, "req-1", "", decision, time.Minute))

	result := engine.Decide(ctx, consentClient(), openRequest(), nil)
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, errors.CodeAccessDenied, result.Err.Code)
}

func TestDecide_MaxAgeZeroForcesOneReauth(t *testing.T) {
	engine, _ := newTestEngine()
	ctx := context.Background()

	client := consentClient()
	client.RequireConsent = false

	maxAge := int64(0)
	req := openRequest()
	req.MaxAge = &maxAge
	req.CreatedAt = time.Now().Truncate(time.Second)

	stale := freshTicket()
	stale.AuthenticatedAt = req.CreatedAt.Add(-time.Hour)

	result := engine.Decide(ctx, client, req, stale)
	assert.Equal(t, StatusNeedsLogin, result.Status)

	// Authentication performed after the request started satisfies the
	// check, so the request cannot loop back to login.
	fresh := freshTicket()
	fresh.AuthenticatedAt = req.CreatedAt.Add(time.Second)

	result = engine.Decide(ctx, client, req, fresh)
	assert.Equal(t, StatusProceed, result.Status)
}

func TestDecide_MaxAgeExceeded(t *testing.T) {
	engine, _ := newTestEngine()

	client := consentClient()
	client.RequireConsent = false

	maxAge := int64(300)
	req := openRequest()
	req.MaxAge = &maxAge

	old := freshTicket()
	old.AuthenticatedAt = time.Now().Add(-10 * time.Minute)

	result := engine.Decide(context.Background(), client, req, old)
	assert.Equal(t, StatusNeedsLogin, result.Status)
}

func TestDecide_MaxAgeExceededPromptNone(t *testing.T) {
	engine, _ := newTestEngine()

	client := consentClient()
	client.RequireConsent = false

	maxAge := int64(300)
	req := openRequest()
	req.MaxAge = &maxAge
	req.Prompt = []string{models.PromptNone}

	old := freshTicket()
	old.AuthenticatedAt = time.Now().Add(-10 * time.Minute)

	result := engine.Decide(context.Background(), client, req, old)
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, errors.CodeLoginRequired, result.Err.Code)
}

func TestDecide_PromptLoginRequiresFreshAuthentication(t *testing.T) {
	engine, _ := newTestEngine()

	client := consentClient()
	client.RequireConsent = false

	req := openRequest()
	req.Prompt = []string{models.PromptLogin}

	old := freshTicket()
	old.AuthenticatedAt = req.CreatedAt.Add(-time.Hour)

	result := engine.Decide(context.Background(), client, req, old)
	assert.Equal(t, StatusNeedsLogin, result.Status)
}

func TestDecide_NoConsentNeededProceeds(t *testing.T) {
	engine, _ := newTestEngine()

	client := consentClient()
	client.RequireConsent = false

	result := engine.Decide(context.Background(), client, openRequest(), freshTicket())
	require.Equal(t, StatusProceed, result.Status)
	assert.ElementsMatch(t, []string{"openid", "api.read"}, result.GrantedScopes)
}

func TestDecide_ConsentRequiredNeedsConsent(t *testing.T) {
	engine, _ := newTestEngine()

	result := engine.Decide(context.Background(), consentClient(), openRequest(), freshTicket())
	assert.Equal(t, StatusNeedsConsent, result.Status)
}

func TestDecide_ConsentRequiredPromptNone(t *testing.T) {
	engine, _ := newTestEngine()

	req := openRequest()
	req.Prompt = []string{models.PromptNone}

	result := engine.Decide(context.Background(), consentClient(), req, freshTicket())
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, errors.CodeConsentRequired, result.Err.Code)
}

func TestDecide_ConsentDecisionGranted(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	decision := &models.ConsentDecision{
		Granted:  true,
		Scopes:   []string{"openid", "api.read"},
		Remember: true,
	}
	require.NoError(t, store.StoreDecision(ctx, "req-1", "user-1", decision, time.Minute))

	result := engine.Decide(ctx, consentClient(), openRequest(), freshTicket())
	require.Equal(t, StatusProceed, result.Status)
	assert.ElementsMatch(t, []string{"openid", "api.read"}, result.GrantedScopes)

	// Remember was requested and allowed, so the grant is persisted.
	record, err := store.GetGrantedConsent(ctx, "user-1", "app")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.ElementsMatch(t, []string{"openid", "api.read"}, record.Scopes)
	require.NotNil(t, record.ExpiresAt)
}

func TestDecide_ConsentDecisionDenied(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	decision := &models.ConsentDecision{Granted: false}
	require.NoError(t, store.StoreDecision(ctx, "req-1", "user-1", decision, time.Minute))

	result := engine.Decide(ctx, consentClient(), openRequest(), freshTicket())
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, errors.CodeAccessDenied, result.Err.Code)
}

func TestDecide_ConsentGrantMissingRequiredScope(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	decision := &models.ConsentDecision{
		Granted: true,
		Scopes:  []string{"openid"},
	}
	require.NoError(t, store.StoreDecision(ctx, "req-1", "user-1", decision, time.Minute))

	result := engine.Decide(ctx, consentClient(), openRequest(), freshTicket())
	require.Equal(t, StatusError, result.Status)
	assert.Equal(t, errors.CodeAccessDenied, result.Err.Code)
}

func TestDecide_DeclinedOfflineAccessStillProceeds(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	req := openRequest()
	req.OfflineAccess = true

	decision := &models.ConsentDecision{
		Granted: true,
		Scopes:  []string{"openid", "api.read"},
	}
	require.NoError(t, store.StoreDecision(ctx, "req-1", "user-1", decision, time.Minute))

	result := engine.Decide(ctx, consentClient(), req, freshTicket())
	require.Equal(t, StatusProceed, result.Status)
	assert.NotContains(t, result.GrantedScopes, models.ScopeOfflineAccess)
}

func TestDecide_RememberedConsentSkipsPrompt(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	record := &models.GrantedConsentRecord{
		Subject:   "user-1",
		ClientID:  "app",
		Scopes:    []string{"openid", "api.read", "profile"},
		GrantedAt: time.Now().Add(-time.Hour),
		ExpiresAt: &expires,
	}
	require.NoError(t, store.UpsertGrantedConsent(ctx, record))

	result := engine.Decide(ctx, consentClient(), openRequest(), freshTicket())
	assert.Equal(t, StatusProceed, result.Status)
}

func TestDecide_PromptConsentIgnoresRememberedGrant(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	record := &models.GrantedConsentRecord{
		Subject:   "user-1",
		ClientID:  "app",
		Scopes:    []string{"openid", "api.read"},
		GrantedAt: time.Now().Add(-time.Hour),
		ExpiresAt: &expires,
	}
	require.NoError(t, store.UpsertGrantedConsent(ctx, record))

	req := openRequest()
	req.Prompt = []string{models.PromptConsent}

	result := engine.Decide(ctx, consentClient(), req, freshTicket())
	assert.Equal(t, StatusNeedsConsent, result.Status)
}

func TestDecide_OfflineAccessAlwaysPrompts(t *testing.T) {
	engine, store := newTestEngine()
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	record := &models.GrantedConsentRecord{
		Subject:   "user-1",
		ClientID:  "app",
		Scopes:    []string{"openid", "api.read", "offline_access"},
		GrantedAt: time.Now().Add(-time.Hour),
		ExpiresAt: &expires,
	}
	require.NoError(t, store.UpsertGrantedConsent(ctx, record))

	req := openRequest()
	req.OfflineAccess = true

	result := engine.Decide(ctx, consentClient(), req, freshTicket())
	assert.Equal(t, StatusNeedsConsent, result.Status)
}

func TestDecide_InactiveSubjectNeedsLogin(t *testing.T) {
	store := storage.NewMemoryStore()
	verifier := SubjectVerifierFunc(func(_ context.Context, subject string) (bool, error) {
		return false, nil
	})
	engine := NewEngine(store, verifier, zap.NewNop())

	client := consentClient()
	client.RequireConsent = false

	result := engine.Decide(context.Background(), client, openRequest(), freshTicket())
	assert.Equal(t, StatusNeedsLogin, result.Status)
}
