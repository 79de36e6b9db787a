package database

import (
	"context"

	"github.com/asketov/OpenIdentityFramework-sub000/internal/models"
)

// StaticRepository serves a fixed configuration from memory. Used in tests
// and standalone runs without Postgres.
type StaticRepository struct {
	clients   map[string]*models.Client
	scopes    []*models.Scope
	resources []*models.Resource
}

// NewStaticRepository builds a repository over the given registrations.
func NewStaticRepository(clients []*models.Client, scopes []*models.Scope, resources []*models.Resource) *StaticRepository {
	byID := make(map[string]*models.Client, len(clients))
	for _, c := range clients {
		byID[c.ClientID] = c
	}
	return &StaticRepository{
		clients:   byID,
		scopes:    scopes,
		resources: resources,
	}
}

// Close is a no-op for the static repository.
func (r *StaticRepository) Close() error {
	return nil
}

// GetClientByID retrieves a client registration by client_id.
func (r *StaticRepository) GetClientByID(_ context.Context, clientID string) (*models.Client, error) {
	return r.clients[clientID], nil
}

// GetScopesByName retrieves scope metadata for the given names, duplicates
// included so the resolver can flag them.
func (r *StaticRepository) GetScopesByName(_ context.Context, names []string) ([]*models.Scope, error) {
	requested := make(map[string]struct{}, len(names))
	for _, n := range names {
		requested[n] = struct{}{}
	}

	var out []*models.Scope
	for _, s := range r.scopes {
		if _, ok := requested[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetResourcesForScopes retrieves every resource whose backing scopes
// intersect the given set.
func (r *StaticRepository) GetResourcesForScopes(_ context.Context, scopes []string) ([]*models.Resource, error) {
	requested := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		requested[s] = struct{}{}
	}

	var out []*models.Resource
	for _, res := range r.resources {
		for _, s := range res.Scopes {
			if _, ok := requested[s]; ok {
				out = append(out, res)
				break
			}
		}
	}
	return out, nil
}

// GetDiscoveryScopes returns all scope names flagged for discovery.
func (r *StaticRepository) GetDiscoveryScopes(_ context.Context) ([]string, error) {
	var names []string
	for _, s := range r.scopes {
		if s.ShowInDiscovery {
			names = append(names, s.Name)
		}
	}
	return names, nil
}
