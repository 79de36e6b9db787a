package resources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

func testResolver(scopes []*models.Scope, res []*models.Resource) *Resolver {
	repo := database.NewStaticRepository(nil, scopes, res)
	return NewResolver(repo, zap.NewNop())
}

func defaultScopes() []*models.Scope {
	return []*models.Scope{
		{Name: "openid", TokenType: models.TokenTypeIDToken},
		{Name: "profile", TokenType: models.TokenTypeIDToken, UserClaims: []string{"name", "locale"}},
		{Name: "api.read", TokenType: models.TokenTypeAccessToken},
		{Name: "api.write", TokenType: models.TokenTypeAccessToken},
	}
}

func resolverClient() *models.Client {
	return &models.Client{
		ClientID: "app",
		Scopes:   []string{"openid", "profile", "api.read", "api.write"},
		Flows:    []string{models.FlowAuthorizationCode, models.FlowRefreshToken},
	}
}

func TestValidate_ClassifiesScopes(t *testing.T) {
	r := testResolver(defaultScopes(), []*models.Resource{
		{Name: "api", Scopes: []string{"api.read", "api.write"}},
	})

	valid, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"openid", "profile", "api.read"}, AllTokenTypes)
	require.Nil(t, protoErr)

	assert.ElementsMatch(t, []string{"openid", "profile"}, valid.IDTokenScopes)
	assert.ElementsMatch(t, []string{"api.read"}, valid.AccessTokenScopes)
	assert.ElementsMatch(t, []string{"api"}, valid.Resources)
	assert.True(t, valid.HasOpenID())
	assert.Equal(t, []string{"name", "locale"}, valid.ScopeClaims["profile"])
}

func TestValidate_UnknownScope(t *testing.T) {
	r := testResolver(defaultScopes(), nil)

	_, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"openid", "unknown"}, AllTokenTypes)
	require.NotNil(t, protoErr)
	assert.Equal(t, errors.CodeInvalidScope, protoErr.Code)
}

func TestValidate_ScopeOutsideClientAllowance(t *testing.T) {
	r := testResolver(defaultScopes(), nil)

	client := resolverClient()
	client.Scopes = []string{"openid"}

	_, protoErr := r.Validate(context.Background(), client,
		[]string{"openid", "api.read"}, AllTokenTypes)
	require.NotNil(t, protoErr)
	assert.Equal(t, errors.CodeInvalidScope, protoErr.Code)
}

func TestValidate_AccessTokenOnlyFilterRejectsIDTokenScopes(t *testing.T) {
	r := testResolver(defaultScopes(), nil)

	_, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"profile"}, AccessTokenOnly)
	require.NotNil(t, protoErr)
	assert.Equal(t, errors.CodeInvalidScope, protoErr.Code)
}

func TestValidate_DefaultedFilterShedsIDTokenScopes(t *testing.T) {
	r := testResolver(defaultScopes(), []*models.Resource{
		{Name: "api", Scopes: []string{"api.read", "api.write"}},
	})

	valid, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"openid", "profile", "api.read"}, AccessTokenDefaulted)
	require.Nil(t, protoErr)

	assert.Empty(t, valid.IDTokenScopes)
	assert.ElementsMatch(t, []string{"api.read"}, valid.AccessTokenScopes)
	assert.False(t, valid.HasOpenID())
}

func TestValidate_OfflineAccess(t *testing.T) {
	r := testResolver(defaultScopes(), nil)

	valid, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"api.read", "offline_access"}, AllTokenTypes)
	require.Nil(t, protoErr)
	assert.True(t, valid.OfflineAccess)
	assert.Contains(t, valid.Scopes(), "offline_access")
}

func TestValidate_OfflineAccessDroppedWithoutRefreshFlow(t *testing.T) {
	r := testResolver(defaultScopes(), nil)

	client := resolverClient()
	client.Flows = []string{models.FlowAuthorizationCode}

	valid, protoErr := r.Validate(context.Background(), client,
		[]string{"api.read", "offline_access"}, AllTokenTypes)
	require.Nil(t, protoErr)
	assert.False(t, valid.OfflineAccess)
	assert.NotContains(t, valid.Scopes(), "offline_access")
}

func TestValidate_DuplicateRegistrationMasked(t *testing.T) {
	scopes := append(defaultScopes(), &models.Scope{Name: "api.read", TokenType: models.TokenTypeAccessToken})
	r := testResolver(scopes, nil)

	_, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"api.read"}, AllTokenTypes)
	require.NotNil(t, protoErr)
	// Misconfiguration is masked, never surfaced as invalid_scope.
	assert.Equal(t, errors.CodeServerError, protoErr.Code)
}

func TestValidate_DuplicateRequestedScopesCollapse(t *testing.T) {
	r := testResolver(defaultScopes(), nil)

	valid, protoErr := r.Validate(context.Background(), resolverClient(),
		[]string{"api.read", "api.read"}, AllTokenTypes)
	require.Nil(t, protoErr)
	assert.Equal(t, []string{"api.read"}, valid.AccessTokenScopes)
}
