// Package interaction decides, for a validated authorize request and the
// caller's authentication state, whether to proceed, require login, require
// consent, or fail with a protocol error.
package interaction

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/storage"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// Status is the outcome of one interaction decision.
type Status int

const (
	// StatusProceed means the grant is settled and a response can be issued.
	StatusProceed Status = iota
	// StatusNeedsLogin means the caller must authenticate (again).
	StatusNeedsLogin
	// StatusNeedsConsent means the caller must be asked for consent.
	StatusNeedsConsent
	// StatusError means the request fails with a protocol error.
	StatusError
)

// Result carries the decision and, for StatusProceed, the operative grant.
type Result struct {
	Status        Status
	GrantedScopes []string
	Err           *errors.ProtocolError
}

// SubjectVerifier checks that an authenticated subject is still active.
// Implemented by the external user-management collaborator.
type SubjectVerifier interface {
	IsActive(ctx context.Context, subject string) (bool, error)
}

// SubjectVerifierFunc adapts a function to the SubjectVerifier interface.
type SubjectVerifierFunc func(ctx context.Context, subject string) (bool, error)

// IsActive calls the wrapped function.
func (f SubjectVerifierFunc) IsActive(ctx context.Context, subject string) (bool, error) {
	return f(ctx, subject)
}

// Engine is the interaction state machine. Decisions are pure functions of
// the validated request, the authentication ticket and stored consent state.
type Engine struct {
	consent  storage.ConsentStore
	subjects SubjectVerifier
	logger   *zap.Logger
}

// NewEngine creates the interaction engine. A nil verifier treats every
// subject as active.
func NewEngine(consent storage.ConsentStore, subjects SubjectVerifier, logger *zap.Logger) *Engine {
	return &Engine{
		consent:  consent,
		subjects: subjects,
		logger:   logger,
	}
}

func proceed(grant []string) *Result {
	return &Result{Status: StatusProceed, GrantedScopes: grant}
}

func needsLogin() *Result {
	return &Result{Status: StatusNeedsLogin}
}

func needsConsent() *Result {
	return &Result{Status: StatusNeedsConsent}
}

func failWith(protoErr *errors.ProtocolError) *Result {
	return &Result{Status: StatusError, Err: protoErr}
}

// Decide runs the state machine for one authorize request. A nil ticket
// means the caller is unauthenticated.
func (e *Engine) Decide(ctx context.Context, client *models.Client, req *models.ValidatedAuthorizeRequest, ticket *models.AuthenticationTicket) *Result {
	if err := ctx.Err(); err != nil {
		return failWith(errors.Wrap(err, errors.ErrServerError))
	}

	if ticket == nil {
		return e.decideUnauthenticated(ctx, req)
	}

	if result := e.checkAuthentication(ctx, req, ticket); result != nil {
		return result
	}

	return e.decideConsent(ctx, client, req, ticket)
}

// decideUnauthenticated handles the no-ticket path, including replay of a
// denial recorded before authentication completed.
func (e *Engine) decideUnauthenticated(ctx context.Context, req *models.ValidatedAuthorizeRequest) *Result {
	decision, err := e.consent.TakeDecision(ctx, req.Handle, "")
	if err != nil {
		return failWith(errors.Wrap(err, errors.ErrServerError))
	}
	if decision != nil && !decision.Granted {
		return failWith(denialError(decision))
	}

	if req.HasPrompt(models.PromptNone) {
		return failWith(errors.ErrLoginRequired)
	}
	return needsLogin()
}

// checkAuthentication re-validates an existing ticket against the request's
// freshness requirements. A nil result means the ticket is acceptable.
func (e *Engine) checkAuthentication(ctx context.Context, req *models.ValidatedAuthorizeRequest, ticket *models.AuthenticationTicket) *Result {
	reauth := func() *Result {
		if req.HasPrompt(models.PromptNone) {
			return failWith(errors.ErrLoginRequired)
		}
		return needsLogin()
	}

	if e.subjects != nil {
		active, err := e.subjects.IsActive(ctx, ticket.Subject)
		if err != nil {
			return failWith(errors.Wrap(err, errors.ErrServerError))
		}
		if !active {
			e.logger.Warn("Authenticated subject is no longer active", zap.String("subject", ticket.Subject))
			return reauth()
		}
	}

	now := time.Now()
	if req.MaxAge != nil {
		if *req.MaxAge == 0 {
			// Forced re-authentication. Satisfied by any authentication at
			// least as fresh as the request itself, so it fires exactly
			// once per authorize request instead of looping.
			if ticket.AuthenticatedAt.Before(req.CreatedAt) {
				return reauth()
			}
		} else if ticket.AuthenticatedAt.Add(time.Duration(*req.MaxAge) * time.Second).Before(now) {
			return reauth()
		}
	}

	// prompt=login / select_account is satisfied only by an authentication
	// performed after this request started.
	if req.HasPrompt(models.PromptLogin) || req.HasPrompt(models.PromptSelectAccount) {
		if ticket.AuthenticatedAt.Before(req.CreatedAt) {
			return reauth()
		}
	}

	return nil
}

// decideConsent computes whether consent is required, consumes any recorded
// decision and settles the operative grant.
func (e *Engine) decideConsent(ctx context.Context, client *models.Client, req *models.ValidatedAuthorizeRequest, ticket *models.AuthenticationTicket) *Result {
	requested := req.RequestedScopes()

	required, err := e.isConsentRequired(ctx, client, req, ticket.Subject, requested)
	if err != nil {
		return failWith(errors.Wrap(err, errors.ErrServerError))
	}

	if required && req.HasPrompt(models.PromptNone) {
		return failWith(errors.ErrConsentRequired)
	}

	if !required && !req.HasPrompt(models.PromptConsent) {
		// All requested scopes are granted implicitly.
		return proceed(requested)
	}

	decision, err := e.consent.TakeDecision(ctx, req.Handle, ticket.Subject)
	if err != nil {
		return failWith(errors.Wrap(err, errors.ErrServerError))
	}
	if decision == nil {
		return needsConsent()
	}
	if !decision.Granted {
		return failWith(denialError(decision))
	}

	// The grant must cover every non-optional requested scope
	// (offline_access may be declined without failing the request).
	granted := intersect(decision.Scopes, requested)
	for _, scope := range requested {
		if scope == models.ScopeOfflineAccess {
			continue
		}
		if !containsScope(granted, scope) {
			return failWith(errors.ErrAccessDenied)
		}
	}

	if decision.Remember && client.CanRememberConsent {
		if err := e.rememberGrant(ctx, client, ticket.Subject, granted); err != nil {
			return failWith(errors.Wrap(err, errors.ErrServerError))
		}
	}

	return proceed(granted)
}

func (e *Engine) isConsentRequired(ctx context.Context, client *models.Client, req *models.ValidatedAuthorizeRequest, subject string, requested []string) (bool, error) {
	if !client.RequireConsent {
		return false, nil
	}
	if len(requested) == 0 {
		return false, nil
	}
	if !client.CanRememberConsent {
		return true, nil
	}
	if req.OfflineAccess {
		return true, nil
	}

	record, err := e.consent.GetGrantedConsent(ctx, subject, client.ClientID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return true, nil
	}
	if record.IsExpired(time.Now()) {
		// Expired records are cleaned up eagerly; storage TTLs are a
		// backstop, not the contract.
		if err := e.consent.DeleteGrantedConsent(ctx, subject, client.ClientID); err != nil {
			return false, err
		}
		return true, nil
	}

	return !record.Covers(requested), nil
}

// rememberGrant upserts the remembered-consent record with the scopes that
// were actually granted. An empty grant removes the record.
func (e *Engine) rememberGrant(ctx context.Context, client *models.Client, subject string, granted []string) error {
	if len(granted) == 0 {
		return e.consent.DeleteGrantedConsent(ctx, subject, client.ClientID)
	}

	now := time.Now()
	record := &models.GrantedConsentRecord{
		Subject:   subject,
		ClientID:  client.ClientID,
		Scopes:    granted,
		GrantedAt: now,
	}
	if client.ConsentLifetime > 0 {
		expiresAt := now.Add(client.ConsentLifetime)
		record.ExpiresAt = &expiresAt
	}
	return e.consent.UpsertGrantedConsent(ctx, record)
}

// denialError maps a recorded denial onto a protocol error, defaulting to
// access_denied when the recorded code is unknown.
func denialError(decision *models.ConsentDecision) *errors.ProtocolError {
	switch decision.ErrorCode {
	case errors.CodeLoginRequired:
		return errors.ErrLoginRequired
	case errors.CodeConsentRequired:
		return errors.ErrConsentRequired
	case errors.CodeInteractionRequired:
		return errors.ErrInteractionRequired
	case errors.CodeAccountSelectionRequired:
		return errors.ErrAccountSelectionRequired
	case errors.CodeTemporarilyUnavailable:
		return errors.ErrTemporarilyUnavailable
	default:
		return errors.ErrAccessDenied
	}
}

func intersect(granted, requested []string) []string {
	var out []string
	for _, s := range granted {
		if containsScope(requested, s) && !containsScope(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func containsScope(set []string, scope string) bool {
	for _, s := range set {
		if s == scope {
			return true
		}
	}
	return false
}
