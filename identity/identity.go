// Package identity defines how the authorization server learns who the resource owner
// is: an Authenticator resolves the current session and a ProfileService supplies claims
// and the active flag. Both are implemented outside the core; SessionCookieAuthenticator
// and StaticProfiles are simple implementations for development and tests.
package identity

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"sync"

	"github.com/giantswarm/oidc-server/storage"
)

// Authenticator resolves the authenticated resource owner of an HTTP request. It returns
// nil claims and a nil error for anonymous requests.
type Authenticator interface {
	Authenticate(r *http.Request) (*storage.EssentialClaims, error)
}

// Profile is the profile of a resource owner
type Profile struct {
	SubjectID string
	// Active is false for disabled accounts; they cannot complete a login or redeem grants
	Active bool
	Claims map[string]any
}

// ClaimsFor returns the profile claims whose names are in claimTypes. sub is never returned.
func (p *Profile) ClaimsFor(claimTypes []string) map[string]any {
	out := make(map[string]any)
	if p == nil {
		return out
	}
	for _, name := range claimTypes {
		if name == "sub" {
			continue
		}
		if v, ok := p.Claims[name]; ok {
			out[name] = v
		}
	}
	return out
}

// ProfileService looks up resource-owner profiles. It returns storage.ErrNotFound for
// unknown subjects.
type ProfileService interface {
	FindProfile(ctx context.Context, subjectID string) (*Profile, error)
}

// IsActive reports whether subjectID has an active profile. Unknown subjects are inactive.
func IsActive(ctx context.Context, profiles ProfileService, subjectID string) (bool, error) {
	profile, err := profiles.FindProfile(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return profile.Active, nil
}

// StaticProfiles is an in-memory ProfileService
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ ProfileService = (*StaticProfiles)(nil)

// NewStaticProfiles creates a ProfileService serving profiles
func NewStaticProfiles(profiles ...Profile) *StaticProfiles {
	s := &StaticProfiles{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		s.Put(p)
	}
	return s
}

// Put adds or replaces a profile
func (s *StaticProfiles) Put(p Profile) {
	p.Claims = maps.Clone(p.Claims)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.SubjectID] = &p
}

// FindProfile implements ProfileService
func (s *StaticProfiles) FindProfile(ctx context.Context, subjectID string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	cp.Claims = maps.Clone(p.Claims)
	return &cp, nil
}
