// Package resources resolves a client's requested scope set against the
// registered scope and resource configuration.
package resources

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/database"
	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
	"github.com/asketov/OpenIdentityFramework-sub000/pkg/errors"
)

// TokenTypeFilter restricts which scope classifications a request may use.
// The token endpoint narrows to access-token scopes when openid is absent.
// DropFiltered controls what happens to scopes of a filtered-out
// classification: requested scopes fail with invalid_scope, server-defaulted
// scope sets silently shed them.
type TokenTypeFilter struct {
	IDToken      bool
	AccessToken  bool
	DropFiltered bool
}

// Filters used by the authorize and token endpoints.
var (
	AllTokenTypes        = TokenTypeFilter{IDToken: true, AccessToken: true}
	AccessTokenOnly      = TokenTypeFilter{AccessToken: true}
	AccessTokenDefaulted = TokenTypeFilter{AccessToken: true, DropFiltered: true}
)

// Allows reports whether the given scope classification passes the filter.
func (f TokenTypeFilter) Allows(tokenType string) bool {
	switch tokenType {
	case models.TokenTypeIDToken:
		return f.IDToken
	case models.TokenTypeAccessToken:
		return f.AccessToken
	default:
		return false
	}
}

// ValidResources is the deduplicated outcome of scope/resource resolution.
type ValidResources struct {
	IDTokenScopes     []string
	AccessTokenScopes []string
	Resources         []string
	OfflineAccess     bool

	// ScopeClaims maps each resolved scope to the user claim types it
	// declares, used later during claims assembly.
	ScopeClaims map[string][]string
}

// HasOpenID reports whether the openid scope was resolved.
func (v *ValidResources) HasOpenID() bool {
	for _, s := range v.IDTokenScopes {
		if s == models.ScopeOpenID {
			return true
		}
	}
	return false
}

// Scopes returns every resolved scope, offline_access included.
func (v *ValidResources) Scopes() []string {
	scopes := make([]string, 0, len(v.IDTokenScopes)+len(v.AccessTokenScopes)+1)
	scopes = append(scopes, v.IDTokenScopes...)
	scopes = append(scopes, v.AccessTokenScopes...)
	if v.OfflineAccess {
		scopes = append(scopes, models.ScopeOfflineAccess)
	}
	return scopes
}

// Resolver validates requested scopes against configuration storage.
type Resolver struct {
	repo   database.Repository
	logger *zap.Logger
}

// NewResolver creates a new scope/resource resolver.
func NewResolver(repo database.Repository, logger *zap.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger,
	}
}

// Validate intersects the requested scopes with the client's allowed set,
// resolves metadata and classifies each scope. Request-level failures return
// invalid_scope; configuration failures are logged and masked as
// server_error so misconfiguration detail never reaches the client.
func (r *Resolver) Validate(ctx context.Context, client *models.Client, requestedScopes []string, filter TokenTypeFilter) (*ValidResources, *errors.ProtocolError) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}

	// offline_access is handled apart from regular scope metadata: it is
	// honored only when it appeared in the original request and the client
	// supports the refresh-token flow. Otherwise it is silently dropped.
	offlineRequested := false
	lookup := make([]string, 0, len(requestedScopes))
	seen := make(map[string]struct{}, len(requestedScopes))
	unresolved := make(map[string]struct{})
	for _, name := range requestedScopes {
		if name == models.ScopeOfflineAccess {
			offlineRequested = true
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if !client.AllowsScope(name) {
			unresolved[name] = struct{}{}
			continue
		}
		lookup = append(lookup, name)
	}
	offlineAccess := offlineRequested && client.AllowsFlow(models.FlowRefreshToken)

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	scopes, err := r.repo.GetScopesByName(ctx, lookup)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}

	var configErrs []error
	resolved := make(map[string]*models.Scope, len(scopes))
	valid := &ValidResources{
		OfflineAccess: offlineAccess,
		ScopeClaims:   make(map[string][]string),
	}
	for _, scope := range scopes {
		if _, dup := resolved[scope.Name]; dup {
			configErrs = append(configErrs, fmt.Errorf("scope %q registered more than once", scope.Name))
			continue
		}
		resolved[scope.Name] = scope

		switch scope.TokenType {
		case models.TokenTypeIDToken:
			if !filter.IDToken {
				if !filter.DropFiltered {
					unresolved[scope.Name] = struct{}{}
				}
				continue
			}
			valid.IDTokenScopes = append(valid.IDTokenScopes, scope.Name)
		case models.TokenTypeAccessToken:
			if scope.Name == models.ScopeOpenID {
				configErrs = append(configErrs, fmt.Errorf("scope %q must be classified %s", models.ScopeOpenID, models.TokenTypeIDToken))
				continue
			}
			if !filter.AccessToken {
				if !filter.DropFiltered {
					unresolved[scope.Name] = struct{}{}
				}
				continue
			}
			valid.AccessTokenScopes = append(valid.AccessTokenScopes, scope.Name)
		default:
			configErrs = append(configErrs, fmt.Errorf("scope %q has unknown token type %q", scope.Name, scope.TokenType))
			continue
		}
		valid.ScopeClaims[scope.Name] = scope.UserClaims
	}

	// Requested scopes with no registration failed to resolve.
	for _, name := range lookup {
		if _, ok := resolved[name]; !ok {
			unresolved[name] = struct{}{}
		}
	}

	if len(configErrs) > 0 {
		for _, cause := range configErrs {
			r.logger.Error("Scope configuration error", zap.Error(cause))
		}
		return nil, errors.Wrap(configErrs[0], errors.ErrServerError)
	}

	if len(unresolved) > 0 {
		names := make([]string, 0, len(unresolved))
		for name := range unresolved {
			names = append(names, name)
		}
		r.logger.Warn("Disallowed scopes requested",
			zap.String("client_id", client.ClientID),
			zap.Strings("scopes", names))
		return nil, errors.ErrInvalidScope
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrServerError)
	}
	protoErr := r.resolveResources(ctx, valid)
	if protoErr != nil {
		return nil, protoErr
	}

	return valid, nil
}

// resolveResources attaches every resource backed by the resolved
// access-token scopes, rejecting misconfigured registrations.
func (r *Resolver) resolveResources(ctx context.Context, valid *ValidResources) *errors.ProtocolError {
	if len(valid.AccessTokenScopes) == 0 {
		return nil
	}

	resources, err := r.repo.GetResourcesForScopes(ctx, valid.AccessTokenScopes)
	if err != nil {
		return errors.Wrap(err, errors.ErrServerError)
	}

	idTokenScopes := make(map[string]struct{}, len(valid.IDTokenScopes))
	for _, s := range valid.IDTokenScopes {
		idTokenScopes[s] = struct{}{}
	}

	var configErrs []error
	seen := make(map[string]struct{}, len(resources))
	for _, resource := range resources {
		if _, dup := seen[resource.Name]; dup {
			configErrs = append(configErrs, fmt.Errorf("resource %q registered more than once", resource.Name))
			continue
		}
		seen[resource.Name] = struct{}{}

		overlap := false
		for _, s := range resource.Scopes {
			if _, ok := idTokenScopes[s]; ok {
				configErrs = append(configErrs, fmt.Errorf("resource %q overlaps id_token scope %q", resource.Name, s))
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}

		valid.Resources = append(valid.Resources, resource.Name)
	}

	if len(configErrs) > 0 {
		for _, cause := range configErrs {
			r.logger.Error("Resource configuration error", zap.Error(cause))
		}
		return errors.Wrap(configErrs[0], errors.ErrServerError)
	}

	return nil
}
