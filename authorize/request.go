package authorize

import (
	"net/url"
	"slices"
	"time"

	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/storage"
)

// ValidRequest is a fully validated authorize request
type ValidRequest struct {
	Issuer string
	Client *storage.Client

	// RedirectURI is where the response is delivered
	RedirectURI string
	// OriginalRedirectURI is the redirect_uri as sent by the client, empty when it was
	// omitted. The token endpoint compares against this value.
	OriginalRedirectURI string

	Resources       *scopes.Resources
	RequestedScopes []string

	ResponseType string
	ResponseMode string

	CodeChallenge       string
	CodeChallengeMethod string

	State   string
	Nonce   string
	Display string
	Prompt  []string
	// MaxAge is nil when max_age was not sent
	MaxAge    *time.Duration
	UILocales string
	LoginHint string
	AcrValues []string

	InitialRequestDate time.Time
	Raw                url.Values
}

// IsOpenID reports whether the request asked for the openid scope
func (r *ValidRequest) IsOpenID() bool {
	return r.Resources.IsOpenID()
}

// HasPrompt reports whether prompt contains value
func (r *ValidRequest) HasPrompt(value string) bool {
	return slices.Contains(r.Prompt, value)
}

// RequiresLoginPrompt reports whether a prompt value asks for a fresh authentication
func (r *ValidRequest) RequiresLoginPrompt() bool {
	return r.HasPrompt(protocol.PromptLogin) || r.HasPrompt(protocol.PromptSelectAccount) || r.HasPrompt(protocol.PromptCreate)
}

// IssuesIDToken reports whether the authorize response itself carries an ID token
func (r *ValidRequest) IssuesIDToken() bool {
	return r.ResponseType == protocol.ResponseTypeCodeIDToken
}
