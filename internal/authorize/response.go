package authorize

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/tokens"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// Response is a successful authorization response: a code and, for the
// hybrid flow, an ID token.
type Response struct {
	Code    string
	IDToken string
}

// ResponseGenerator issues authorization codes once interaction succeeds.
type ResponseGenerator struct {
	codes  storage.CodeStore
	issuer *tokens.Issuer
	logger *zap.Logger
}

// NewResponseGenerator creates the authorization response generator.
func NewResponseGenerator(codes storage.CodeStore, issuer *tokens.Issuer, logger *zap.Logger) *ResponseGenerator {
	return &ResponseGenerator{
		codes:  codes,
		issuer: issuer,
		logger: logger,
	}
}

// CreateResponse issues an authorization code bound to the granted scopes,
// PKCE challenge, redirect URI and subject claims. Hybrid requests also get
// an ID token sharing the code's issuance timestamp. Timestamps are
// truncated to whole seconds to match what tokens echo.
func (g *ResponseGenerator) CreateResponse(
	ctx context.Context,
	client *models.Client,
	req *models.ValidatedAuthorizeRequest,
	ticket *models.AuthenticationTicket,
	grantedScopes []string,
	scopeClaims map[string][]string,
) (*Response, *errors.ProtocolError) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}

	now := time.Now().Truncate(time.Second)

	// The code only remembers redirect_uri when the request carried one;
	// the token endpoint must see the same presence or absence.
	boundRedirectURI := ""
	if req.RedirectURIProvided {
		boundRedirectURI = req.RedirectURI
	}

	code := &models.AuthorizationCode{
		ClientID:            client.ClientID,
		Subject:             ticket.Subject,
		SessionID:           ticket.SessionID,
		AuthTime:            ticket.AuthenticatedAt.Truncate(time.Second),
		Claims:              ticket.Claims,
		GrantedScopes:       grantedScopes,
		RedirectURI:         boundRedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		IssuedAt:            now,
		ExpiresAt:           now.Add(client.AuthorizationCodeLifetime),
	}

	// Checked before the code is stored so a tripped invariant leaves no
	// live orphaned code behind.
	if req.Flow == models.FlowHybrid && req.Nonce == "" {
		return nil, errors.Wrap(fmt.Errorf("hybrid response requires a nonce"), errors.ErrServerError)
	}

	handle := ksuid.New().String()
	if err := g.codes.StoreCode(ctx, handle, code, client.AuthorizationCodeLifetime); err != nil {
		g.logger.Error("Failed to store authorization code", zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrServerError)
	}

	response := &Response{Code: handle}

	if req.Flow == models.FlowHybrid {
		idToken, err := g.issuer.IssueIDToken(ctx, &tokens.IDTokenRequest{
			Client:       client,
			Subject:      ticket.Subject,
			SessionID:    ticket.SessionID,
			Nonce:        req.Nonce,
			AuthTime:     ticket.AuthenticatedAt,
			ScopeClaims:  scopeClaims,
			TicketClaims: ticket.Claims,
			IssuedAt:     now,
		})
		if err != nil {
			g.logger.Error("Failed to issue hybrid ID token", zap.Error(err))
			return nil, errors.Wrap(err, errors.ErrServerError)
		}
		response.IDToken = idToken
	}

	return response, nil
}
