package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/postgres"
	_ "gocloud.dev/postgres/awspostgres"
	_ "gocloud.dev/postgres/gcppostgres"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
)

// Repository defines the interface for configuration storage: client, scope
// and resource registrations. All records are immutable per request.
type Repository interface {
	Close() error

	// Clients
	GetClientByID(ctx context.Context, clientID string) (*models.Client, error)

	// Scopes & resources
	GetScopesByName(ctx context.Context, names []string) ([]*models.Scope, error)
	GetResourcesForScopes(ctx context.Context, scopes []string) ([]*models.Resource, error)
	GetDiscoveryScopes(ctx context.Context) ([]string, error)
}

// PostgresRepository handles configuration reads from Postgres.
type PostgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository creates a new repository instance
func NewRepository(ctx context.Context, databaseURL string, logger *zap.Logger) (Repository, error) {
	// Retry connection with exponential backoff
	var db *sql.DB
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		db, err = postgres.Open(ctx, databaseURL)
		if err == nil {
			// Test the connection
			if err = db.PingContext(ctx); err == nil {
				break
			}
			db.Close()
		}
		if i < maxRetries-1 {
			waitTime := time.Duration(i+1) * time.Second
			logger.Warn("Failed to connect to database, retrying...", zap.Int("attempt", i+1), zap.Duration("wait", waitTime), zap.Error(err))
			time.Sleep(waitTime)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	return &PostgresRepository{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// List-valued columns are stored space-delimited; every element the protocol
// deals in (scope names, URIs, methods) is already URL-safe.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// GetClientByID retrieves a client registration by client_id.
func (r *PostgresRepository) GetClientByID(ctx context.Context, clientID string) (*models.Client, error) {
	query := `
		SELECT client_id, client_secret_hash, token_endpoint_auth_method, confidential,
		       grant_types, response_types, flows, scopes, redirect_uris, pkce_methods,
		       access_token_format, access_token_lifetime_seconds, id_token_lifetime_seconds,
		       authorization_code_lifetime_seconds, refresh_token_sliding_lifetime_seconds,
		       refresh_token_absolute_lifetime_seconds, allowed_signing_algs, emit_scope_as_list,
		       require_consent, can_remember_consent, consent_lifetime_seconds,
		       rate_limit, created_at, updated_at
		FROM clients
		WHERE client_id = $1
	`

	var client models.Client
	var grantTypes, responseTypes, flows, scopes, redirectURIs, pkceMethods, signingAlgs string
	var accessTokenLifetime, idTokenLifetime, codeLifetime, slidingLifetime, absoluteLifetime, consentLifetime int64
	err := r.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ClientID,
		&client.ClientSecretHash,
		&client.TokenEndpointAuthMethod,
		&client.Confidential,
		&grantTypes,
		&responseTypes,
		&flows,
		&scopes,
		&redirectURIs,
		&pkceMethods,
		&client.AccessTokenFormat,
		&accessTokenLifetime,
		&idTokenLifetime,
		&codeLifetime,
		&slidingLifetime,
		&absoluteLifetime,
		&signingAlgs,
		&client.EmitScopeAsList,
		&client.RequireConsent,
		&client.CanRememberConsent,
		&consentLifetime,
		&client.RateLimit,
		&client.CreatedAt,
		&client.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get client by ID", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}

	client.GrantTypes = splitList(grantTypes)
	client.ResponseTypes = splitList(responseTypes)
	client.Flows = splitList(flows)
	client.Scopes = splitList(scopes)
	client.RedirectURIs = splitList(redirectURIs)
	client.PKCEMethods = splitList(pkceMethods)
	client.AllowedSigningAlgs = splitList(signingAlgs)
	client.AccessTokenLifetime = time.Duration(accessTokenLifetime) * time.Second
	client.IDTokenLifetime = time.Duration(idTokenLifetime) * time.Second
	client.AuthorizationCodeLifetime = time.Duration(codeLifetime) * time.Second
	client.RefreshTokenSlidingLifetime = time.Duration(slidingLifetime) * time.Second
	client.RefreshTokenAbsoluteLifetime = time.Duration(absoluteLifetime) * time.Second
	client.ConsentLifetime = time.Duration(consentLifetime) * time.Second

	return &client, nil
}

// GetScopesByName retrieves scope metadata for the given names. Names with no
// registration are simply absent from the result; duplicate rows are returned
// as-is so the resolver can flag them as misconfiguration.
func (r *PostgresRepository) GetScopesByName(ctx context.Context, names []string) ([]*models.Scope, error) {
	if len(names) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = name
	}

	query := fmt.Sprintf(`
		SELECT name, token_type, user_claims, show_in_discovery
		FROM scopes
		WHERE name IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to get scopes", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var scopes []*models.Scope
	for rows.Next() {
		var scope models.Scope
		var userClaims string
		if err := rows.Scan(&scope.Name, &scope.TokenType, &userClaims, &scope.ShowInDiscovery); err != nil {
			r.logger.Error("Failed to scan scope", zap.Error(err))
			return nil, err
		}
		scope.UserClaims = splitList(userClaims)
		scopes = append(scopes, &scope)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return scopes, nil
}

// GetResourcesForScopes retrieves every resource whose backing scope set
// intersects the given scopes.
func (r *PostgresRepository) GetResourcesForScopes(ctx context.Context, scopes []string) ([]*models.Resource, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	query := `
		SELECT name, scopes
		FROM resources
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to get resources", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	requested := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		requested[s] = struct{}{}
	}

	var resources []*models.Resource
	for rows.Next() {
		var resource models.Resource
		var backing string
		if err := rows.Scan(&resource.Name, &backing); err != nil {
			r.logger.Error("Failed to scan resource", zap.Error(err))
			return nil, err
		}
		resource.Scopes = splitList(backing)
		for _, s := range resource.Scopes {
			if _, ok := requested[s]; ok {
				resources = append(resources, &resource)
				break
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return resources, nil
}

// GetDiscoveryScopes returns all scope names flagged for discovery.
func (r *PostgresRepository) GetDiscoveryScopes(ctx context.Context) ([]string, error) {
	query := `
		SELECT name
		FROM scopes
		WHERE show_in_discovery = TRUE
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to get discovery scopes", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			r.logger.Error("Failed to scan scope name", zap.Error(err))
			return nil, err
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return names, nil
}
