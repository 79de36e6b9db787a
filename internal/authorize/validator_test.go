package authorize

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/resources"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

const testIssuer = "https://auth.example.com"

func newTestValidator(clients ...*models.Client) *Validator {
	repo := database.NewStaticRepository(
		clients,
		[]*models.Scope{
			{Name: "openid", TokenType: models.TokenTypeIDToken},
			{Name: "profile", TokenType: models.TokenTypeIDToken, UserClaims: []string{"name"}},
			{Name: "api.read", TokenType: models.TokenTypeAccessToken},
		},
		[]*models.Resource{
			{Name: "api", Scopes: []string{"api.read"}},
		},
	)
	logger := zap.NewNop()
	return NewValidator(repo, resources.NewResolver(repo, logger), testIssuer, logger)
}

func webClient() *models.Client {
	return &models.Client{
		ClientID:     "web-app",
		Confidential: true,
		GrantTypes:   []string{models.FlowAuthorizationCode, models.FlowRefreshToken},
		Flows:        []string{models.FlowAuthorizationCode, models.FlowHybrid, models.FlowRefreshToken},
		Scopes:       []string{"openid", "profile", "api.read"},
		RedirectURIs: []string{"https://app.example.com/cb"},
		PKCEMethods:  []string{models.PKCEMethodS256, models.PKCEMethodPlain},
	}
}

func baseParams() url.Values {
	return url.Values{
		"client_id":             {"web-app"},
		"response_type":         {"code"},
		"redirect_uri":          {"https://app.example.com/cb"},
		"scope":                 {"openid api.read"},
		"state":                 {"xyz"},
		"code_challenge":        {strings.Repeat("ab", 32)},
		"code_challenge_method": {"S256"},
	}
}

func TestValidate_CodeFlow(t *testing.T) {
	v := newTestValidator(webClient())

	req, authErr := v.Validate(context.Background(), baseParams())
	require.Nil(t, authErr)

	assert.Equal(t, models.ResponseTypeCode, req.ResponseType)
	assert.Equal(t, models.FlowAuthorizationCode, req.Flow)
	assert.Equal(t, models.ResponseModeQuery, req.ResponseMode)
	assert.Equal(t, "https://app.example.com/cb", req.RedirectURI)
	assert.True(t, req.RedirectURIProvided)
	assert.True(t, req.IsOpenID)
	assert.Equal(t, "xyz", req.State)
	assert.Equal(t, models.PKCEMethodS256, req.CodeChallengeMethod)
	assert.NotEmpty(t, req.Handle)
	assert.False(t, req.CreatedAt.IsZero())
	assert.ElementsMatch(t, []string{"openid"}, req.IDTokenScopes)
	assert.ElementsMatch(t, []string{"api.read"}, req.AccessTokenScopes)
	assert.ElementsMatch(t, []string{"api"}, req.Resources)
}

func TestValidate_MissingClientID(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Del("client_id")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
	assert.False(t, authErr.CanRedirect())
}

func TestValidate_RepeatedParameter(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params["state"] = []string{"one", "two"}

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_EmptyValueTreatedAsAbsent(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("state", "")

	req, authErr := v.Validate(context.Background(), params)
	require.Nil(t, authErr)
	assert.Empty(t, req.State)
}

func TestValidate_UnknownClient(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("client_id", "ghost")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeUnauthorizedClient, authErr.Protocol.Code)
}

func TestValidate_ResponseTypeIsASet(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("response_type", "id_token code")
	params.Set("nonce", "n-1")

	req, authErr := v.Validate(context.Background(), params)
	require.Nil(t, authErr)
	assert.Equal(t, models.ResponseTypeCodeIDToken, req.ResponseType)
	assert.Equal(t, models.FlowHybrid, req.Flow)
	assert.Equal(t, models.ResponseModeFormPost, req.ResponseMode)
}

func TestValidate_UnsupportedResponseType(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("response_type", "token")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeUnsupportedResponseType, authErr.Protocol.Code)
}

func TestValidate_HybridRequiresNonce(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("response_type", "code id_token")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_HybridRequiresOpenIDScope(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("response_type", "code id_token")
	params.Set("scope", "api.read")
	params.Set("nonce", "n-1")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_RedirectURIInference(t *testing.T) {
	v := newTestValidator(webClient())

	// Non-OpenID request with exactly one registered URI.
	params := baseParams()
	params.Del("redirect_uri")
	params.Set("scope", "api.read")

	req, authErr := v.Validate(context.Background(), params)
	require.Nil(t, authErr)
	assert.Equal(t, "https://app.example.com/cb", req.RedirectURI)
	assert.False(t, req.RedirectURIProvided)
}

func TestValidate_NoRedirectURIInferenceForOpenID(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Del("redirect_uri")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_UnregisteredRedirectURI(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("redirect_uri", "https://evil.example.com/cb")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_LoopbackRedirectIgnoresPort(t *testing.T) {
	client := webClient()
	client.RedirectURIs = []string{"http://127.0.0.1/cb"}
	v := newTestValidator(client)

	params := baseParams()
	params.Set("scope", "api.read")
	params.Set("redirect_uri", "http://127.0.0.1:53123/cb")

	req, authErr := v.Validate(context.Background(), params)
	require.Nil(t, authErr)
	assert.Equal(t, "http://127.0.0.1:53123/cb", req.RedirectURI)
}

func TestValidate_UnknownScope(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("scope", "openid nuclear.codes")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidScope, authErr.Protocol.Code)
}

func TestValidate_MissingCodeChallenge(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Del("code_challenge")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_S256ChallengeMustBeHex(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("code_challenge", strings.Repeat("z", 64))

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_DefaultChallengeMethodRequiresPlainAllowed(t *testing.T) {
	client := webClient()
	client.PKCEMethods = []string{models.PKCEMethodS256}
	v := newTestValidator(client)

	params := baseParams()
	params.Del("code_challenge_method")
	params.Set("code_challenge", strings.Repeat("a", 43))

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_PromptNoneExclusive(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("prompt", "none login")

	_, authErr := v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_PromptDuplicatesDropped(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("prompt", "login login consent")

	req, authErr := v.Validate(context.Background(), params)
	require.Nil(t, authErr)
	assert.Equal(t, []string{models.PromptLogin, models.PromptConsent}, req.Prompt)
}

func TestValidate_MaxAge(t *testing.T) {
	v := newTestValidator(webClient())

	params := baseParams()
	params.Set("max_age", "0")

	req, authErr := v.Validate(context.Background(), params)
	require.Nil(t, authErr)
	require.NotNil(t, req.MaxAge)
	assert.Equal(t, int64(0), *req.MaxAge)

	params.Set("max_age", "-5")
	_, authErr = v.Validate(context.Background(), params)
	require.NotNil(t, authErr)
	assert.Equal(t, errors.CodeInvalidRequest, authErr.Protocol.Code)
}

func TestValidate_RequestObjectsRejected(t *testing.T) {
	v := newTestValidator(webClient())

	cases := []struct {
		param string
		code  string
	}{
		{"request", errors.CodeRequestNotSupported},
		{"request_uri", errors.CodeRequestURINotSupported},
		{"registration", errors.CodeRegistrationNotSupported},
	}

	for _, tc := range cases {
		params := baseParams()
		params.Set(tc.param, "anything")

		_, authErr := v.Validate(context.Background(), params)
		require.NotNil(t, authErr, tc.param)
		assert.Equal(t, tc.code, authErr.Protocol.Code, tc.param)
	}
}

func TestError_CanRedirect(t *testing.T) {
	redirectable := &Error{
		Protocol:    errors.ErrAccessDenied,
		RedirectURI: "https://app.example.com/cb",
	}
	assert.True(t, redirectable.CanRedirect())

	noURI := &Error{Protocol: errors.ErrAccessDenied}
	assert.False(t, noURI.CanRedirect())

	undisclosable := &Error{
		Protocol:    errors.ErrInvalidScope,
		RedirectURI: "https://app.example.com/cb",
	}
	assert.False(t, undisclosable.CanRedirect())
}

func TestValidate_CreatedAtIsWholeSeconds(t *testing.T) {
	v := newTestValidator(webClient())

	req, authErr := v.Validate(context.Background(), baseParams())
	require.Nil(t, authErr)
	assert.Equal(t, req.CreatedAt, req.CreatedAt.Truncate(time.Second))
}
