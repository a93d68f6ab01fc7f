package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/giantswarm/oidc-server/storage"
)

// Catalog is an in-memory client and resource catalog. Clients are validated on insert.
type Catalog struct {
	mu        sync.RWMutex
	clients   map[string]*storage.Client
	scopes    []storage.Scope
	resources []storage.Resource
	policy    storage.RedirectURIPolicy
}

var (
	_ storage.ClientCatalog   = (*Catalog)(nil)
	_ storage.ResourceCatalog = (*Catalog)(nil)
)

// NewCatalog creates an empty catalog applying policy to client redirect URIs
func NewCatalog(policy storage.RedirectURIPolicy) *Catalog {
	return &Catalog{
		clients: make(map[string]*storage.Client),
		policy:  policy,
	}
}

// AddClient validates and registers a client, replacing any client with the same id
func (c *Catalog) AddClient(client *storage.Client) error {
	if client == nil {
		return errors.New("client cannot be nil")
	}
	if err := storage.ValidateClient(client, c.policy); err != nil {
		return fmt.Errorf("invalid client %q: %w", client.ClientID, err)
	}

	cp := *client
	cp.RedirectURIs = slices.Clone(client.RedirectURIs)
	cp.AllowedScopes = slices.Clone(client.AllowedScopes)
	cp.Secrets = slices.Clone(client.Secrets)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[client.ClientID] = &cp
	return nil
}

// AddScopes registers scopes. A scope with an existing name replaces the old one.
func (c *Catalog) AddScopes(scopes ...storage.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range scopes {
		if s.Name == "" {
			return errors.New("scope name cannot be empty")
		}
		if s.TokenType != "id_token" && s.TokenType != "access_token" {
			return fmt.Errorf("scope %q has unsupported token type %q", s.Name, s.TokenType)
		}
		c.scopes = slices.DeleteFunc(c.scopes, func(existing storage.Scope) bool { return existing.Name == s.Name })
		c.scopes = append(c.scopes, s)
	}
	return nil
}

// AddResources registers API resources
func (c *Catalog) AddResources(resources ...storage.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range resources {
		if r.Name == "" {
			return errors.New("resource name cannot be empty")
		}
		c.resources = slices.DeleteFunc(c.resources, func(existing storage.Resource) bool { return existing.Name == r.Name })
		c.resources = append(c.resources, r)
	}
	return nil
}

// FindEnabledClient returns the client or storage.ErrNotFound if it is unknown or disabled
func (c *Catalog) FindEnabledClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	client, ok := c.clients[clientID]
	if !ok || !client.Enabled {
		return nil, storage.ErrNotFound
	}
	cp := *client
	return &cp, nil
}

// FindScopesAndResources returns the named scopes and every resource exposing one of them
func (c *Catalog) FindScopesAndResources(ctx context.Context, scopeNames []string) ([]storage.Scope, []storage.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var scopes []storage.Scope
	for _, s := range c.scopes {
		if slices.Contains(scopeNames, s.Name) {
			scopes = append(scopes, s)
		}
	}

	var resources []storage.Resource
	for _, r := range c.resources {
		if slices.ContainsFunc(r.AccessTokenScopes, func(name string) bool { return slices.Contains(scopeNames, name) }) {
			resources = append(resources, r)
		}
	}
	return scopes, resources, nil
}

// FindDiscoveryResources returns the discoverable scopes of the given token types and
// the union of their claim types, both in registration order
func (c *Catalog) FindDiscoveryResources(ctx context.Context, tokenTypes []string) ([]storage.Scope, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var scopes []storage.Scope
	var claims []string
	for _, s := range c.scopes {
		if !s.ShowInDiscovery || !slices.Contains(tokenTypes, s.TokenType) {
			continue
		}
		scopes = append(scopes, s)
		for _, claim := range s.UserClaimTypes {
			if !slices.Contains(claims, claim) {
				claims = append(claims, claim)
			}
		}
	}
	return scopes, claims, nil
}
