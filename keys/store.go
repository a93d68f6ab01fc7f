package keys

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Store provides signing credentials
type Store interface {
	// GetAllSigningCredentials returns every credential published in the JWKS
	GetAllSigningCredentials(ctx context.Context) ([]*SigningCredential, error)

	// FindByAlgorithm returns the first credential whose algorithm is in algorithms, or the
	// first credential when algorithms is empty. It returns ErrNoSigningCredential when
	// nothing matches.
	FindByAlgorithm(ctx context.Context, algorithms []string) (*SigningCredential, error)
}

// MemoryStore is a Store backed by an ordered in-memory list. The first credential added
// is the default.
type MemoryStore struct {
	mu    sync.RWMutex
	creds []*SigningCredential
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding creds
func NewMemoryStore(creds ...*SigningCredential) (*MemoryStore, error) {
	s := &MemoryStore{}
	for _, c := range creds {
		if err := s.Add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a credential. Key ids must be unique.
func (s *MemoryStore) Add(c *SigningCredential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.creds, func(existing *SigningCredential) bool { return existing.KeyID == c.KeyID }) {
		return fmt.Errorf("duplicate key id %q", c.KeyID)
	}
	s.creds = append(s.creds, c)
	return nil
}

// GetAllSigningCredentials implements Store
func (s *MemoryStore) GetAllSigningCredentials(ctx context.Context) ([]*SigningCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.creds), nil
}

// FindByAlgorithm implements Store
func (s *MemoryStore) FindByAlgorithm(ctx context.Context, algorithms []string) (*SigningCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.creds) == 0 {
		return nil, ErrNoSigningCredential
	}
	if len(algorithms) == 0 {
		return s.creds[0], nil
	}
	for _, c := range s.creds {
		if slices.Contains(algorithms, c.Algorithm) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w for algorithms %v", ErrNoSigningCredential, algorithms)
}

// SupportedAlgorithms returns the distinct algorithms of the store's credentials, in order
func SupportedAlgorithms(ctx context.Context, store Store) ([]string, error) {
	creds, err := store.GetAllSigningCredentials(ctx)
	if err != nil {
		return nil, err
	}
	var algs []string
	for _, c := range creds {
		if !slices.Contains(algs, c.Algorithm) {
			algs = append(algs, c.Algorithm)
		}
	}
	return algs, nil
}
