package tokenrequest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/syntax"
)

// AuthenticatedClient is a client that passed token endpoint authentication
type AuthenticatedClient struct {
	Client *storage.Client
	// Method is the token endpoint authentication method that was used
	Method string
}

// ClientAuthenticator authenticates clients at the token endpoint with
// client_secret_basic, client_secret_post or none
type ClientAuthenticator struct {
	clients storage.ClientCatalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewClientAuthenticator creates a ClientAuthenticator. A nil logger falls back to
// slog.Default().
func NewClientAuthenticator(clients storage.ClientCatalog, logger *slog.Logger) *ClientAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientAuthenticator{clients: clients, logger: logger, now: time.Now}
}

// SetClock replaces the clock used for secret expiry
func (a *ClientAuthenticator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

type credentials struct {
	clientID string
	secret   string
	method   string
}

// Authenticate identifies and authenticates the client of a token request. Every failure
// is an *Error carrying invalid_client or invalid_request.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, header http.Header, form url.Values) (*AuthenticatedClient, error) {
	creds, err := a.extract(header, form)
	if err != nil {
		return nil, err
	}
	basic := creds.method == protocol.AuthMethodClientSecretBasic
	fail := func(description string) error {
		a.logger.Debug("Client authentication failed", "client_id", creds.clientID, "method", creds.method, "reason", description)
		return &Error{Protocol: protocol.InvalidClient(description), Reason: ReasonClientAuthentication, Basic: basic}
	}

	client, err := a.clients.FindEnabledClient(ctx, creds.clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fail("unknown client")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find client: %w", err)
	}

	if !methodAllowed(client, creds.method) {
		return nil, fail("authentication method not allowed for client")
	}

	if creds.method != protocol.AuthMethodNone && !a.verifySecret(client, creds.secret) {
		return nil, fail("invalid client secret")
	}

	return &AuthenticatedClient{Client: client, Method: creds.method}, nil
}

// methodAllowed checks the method against the client's registered method. Clients without
// one accept basic and post when confidential and none when public.
func methodAllowed(client *storage.Client, method string) bool {
	if client.TokenEndpointAuthMethod != "" {
		return client.TokenEndpointAuthMethod == method
	}
	if client.IsConfidential() {
		return method != protocol.AuthMethodNone
	}
	return method == protocol.AuthMethodNone
}

func (a *ClientAuthenticator) verifySecret(client *storage.Client, secret string) bool {
	now := a.now()
	for _, s := range client.Secrets {
		if s.IsExpired(now) {
			continue
		}
		if security.VerifySecret(s.Hash, secret) {
			return true
		}
	}
	return false
}

func (a *ClientAuthenticator) extract(header http.Header, form url.Values) (*credentials, error) {
	formID := syntax.Single(form, protocol.ParamClientID, protocol.MaxClientIDLength)
	formSecret := syntax.Single(form, protocol.ParamClientSecret, protocol.MaxClientSecretLength)
	if formID.Err() != nil || formSecret.Err() != nil {
		return nil, reject(ReasonMalformed, protocol.InvalidRequest("client_id and client_secret must appear at most once"))
	}

	if authz := header.Get("Authorization"); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "Basic") {
			return nil, a.basicError("unsupported authorization scheme")
		}
		if !formSecret.IsAbsent() {
			return nil, reject(ReasonMalformed, protocol.InvalidRequest("multiple client authentication methods"))
		}
		clientID, secret, err := parseBasic(strings.TrimSpace(token))
		if err != nil {
			return nil, a.basicError(err.Error())
		}
		if id, ok := formID.Get(); ok && id != clientID {
			return nil, a.basicError("client_id does not match the authorization header")
		}
		return &credentials{clientID: clientID, secret: secret, method: protocol.AuthMethodClientSecretBasic}, nil
	}

	clientID, ok := formID.Get()
	if !ok {
		return nil, reject(ReasonClientAuthentication, protocol.InvalidClient("client authentication required"))
	}
	if !syntax.IsVSChar(clientID) {
		return nil, reject(ReasonClientAuthentication, protocol.InvalidClient("malformed client_id"))
	}
	if secret, ok := formSecret.Get(); ok {
		return &credentials{clientID: clientID, secret: secret, method: protocol.AuthMethodClientSecretPost}, nil
	}
	return &credentials{clientID: clientID, method: protocol.AuthMethodNone}, nil
}

func (a *ClientAuthenticator) basicError(description string) error {
	return &Error{Protocol: protocol.InvalidClient(description), Reason: ReasonClientAuthentication, Basic: true}
}

// parseBasic decodes RFC 6749 section 2.3.1 Basic credentials: both parts are
// form-urlencoded before base64 encoding.
func parseBasic(token string) (clientID, secret string, err error) {
	if !syntax.IsToken68(token) {
		return "", "", errors.New("malformed basic credentials")
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", errors.New("malformed basic credentials")
	}
	rawID, rawSecret, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", errors.New("malformed basic credentials")
	}
	if clientID, err = url.QueryUnescape(rawID); err != nil {
		return "", "", errors.New("malformed client_id")
	}
	if secret, err = url.QueryUnescape(rawSecret); err != nil {
		return "", "", errors.New("malformed client_secret")
	}
	if clientID == "" || len(clientID) > protocol.MaxClientIDLength || !syntax.IsVSChar(clientID) {
		return "", "", errors.New("malformed client_id")
	}
	if secret == "" || len(secret) > protocol.MaxClientSecretLength {
		return "", "", errors.New("malformed client_secret")
	}
	return clientID, secret, nil
}
