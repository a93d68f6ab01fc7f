package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/storage"
)

// consentRecord is the stored form of storage.AuthorizeRequestConsent
type consentRecord struct {
	AuthorizeRequestID string    `json:"authorize_request_id"`
	SubjectID          string    `json:"subject_id"`
	SessionID          string    `json:"session_id"`
	Granted            bool      `json:"granted"`
	Scopes             []string  `json:"scopes,omitempty"`
	Remember           bool      `json:"remember,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

func (r *consentRecord) toConsent() *storage.AuthorizeRequestConsent {
	consent := &storage.AuthorizeRequestConsent{
		AuthorizeRequestID: r.AuthorizeRequestID,
		Identifiers:        storage.Identifiers{SubjectID: r.SubjectID, SessionID: r.SessionID},
		Decision:           storage.ConsentDenied{},
		CreatedAt:          r.CreatedAt,
		ExpiresAt:          r.ExpiresAt,
	}
	if r.Granted {
		consent.Decision = storage.ConsentGranted{Scopes: r.Scopes, Remember: r.Remember}
	}
	return consent
}

// luaCompareAndSwap replaces the value under KEYS[1] only if it still equals ARGV[1].
//
// ARGV[2] = new value
// ARGV[3] = TTL in milliseconds, 0 for none
//
// Returns 1 on success, 0 if the key is gone and -1 if it changed.
var luaCompareAndSwap = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
    return 0
end
if current ~= ARGV[1] then
    return -1
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// ============================================================
// AuthorizeRequestStore Implementation
// ============================================================

// CreateAuthorizeRequest stores a raw authorize request
func (s *Store) CreateAuthorizeRequest(ctx context.Context, req *storage.AuthorizeRequest) (err error) {
	ctx, op := s.start(ctx, "create_authorize_request")
	defer func() { finish(ctx, op, err) }()

	if req == nil || req.ID == "" {
		return errors.New("authorize request must have an id")
	}
	return s.put(ctx, s.requestKey(req.ID), req, req.ExpiresAt, true)
}

// FindAuthorizeRequest returns a live authorize request
func (s *Store) FindAuthorizeRequest(ctx context.Context, id string) (_ *storage.AuthorizeRequest, err error) {
	ctx, op := s.start(ctx, "find_authorize_request")
	defer func() { finish(ctx, op, err) }()

	var req storage.AuthorizeRequest
	if err = s.get(ctx, s.requestKey(id), &req); err != nil {
		return nil, err
	}
	if s.expired(req.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &req, nil
}

// DeleteAuthorizeRequest removes an authorize request
func (s *Store) DeleteAuthorizeRequest(ctx context.Context, id string) (err error) {
	ctx, op := s.start(ctx, "delete_authorize_request")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.requestKey(id))
}

// ============================================================
// AuthorizeRequestErrorStore Implementation
// ============================================================

// CreateAuthorizeRequestError stores an error for the error UI
func (s *Store) CreateAuthorizeRequestError(ctx context.Context, e *storage.AuthorizeRequestError) (err error) {
	ctx, op := s.start(ctx, "create_authorize_request_error")
	defer func() { finish(ctx, op, err) }()

	if e == nil || e.ID == "" {
		return errors.New("authorize request error must have an id")
	}
	return s.put(ctx, s.errorKey(e.ID), e, e.ExpiresAt, true)
}

// FindAuthorizeRequestError returns a live authorize request error
func (s *Store) FindAuthorizeRequestError(ctx context.Context, id string) (_ *storage.AuthorizeRequestError, err error) {
	ctx, op := s.start(ctx, "find_authorize_request_error")
	defer func() { finish(ctx, op, err) }()

	var e storage.AuthorizeRequestError
	if err = s.get(ctx, s.errorKey(id), &e); err != nil {
		return nil, err
	}
	if s.expired(e.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

// DeleteAuthorizeRequestError removes an authorize request error
func (s *Store) DeleteAuthorizeRequestError(ctx context.Context, id string) (err error) {
	ctx, op := s.start(ctx, "delete_authorize_request_error")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.errorKey(id))
}

// ============================================================
// AuthorizeRequestConsentStore Implementation
// ============================================================

// GrantAuthorizeRequestConsent records a granted consent, replacing any earlier decision
func (s *Store) GrantAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers, granted storage.ConsentGranted, createdAt, expiresAt time.Time) (err error) {
	ctx, op := s.start(ctx, "grant_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	return s.put(ctx, s.consentKey(requestID, ids), &consentRecord{
		AuthorizeRequestID: requestID,
		SubjectID:          ids.SubjectID,
		SessionID:          ids.SessionID,
		Granted:            true,
		Scopes:             granted.Scopes,
		Remember:           granted.Remember,
		CreatedAt:          createdAt,
		ExpiresAt:          expiresAt,
	}, expiresAt, false)
}

// DenyAuthorizeRequestConsent records a denial, replacing any earlier decision
func (s *Store) DenyAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers, createdAt, expiresAt time.Time) (err error) {
	ctx, op := s.start(ctx, "deny_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	return s.put(ctx, s.consentKey(requestID, ids), &consentRecord{
		AuthorizeRequestID: requestID,
		SubjectID:          ids.SubjectID,
		SessionID:          ids.SessionID,
		CreatedAt:          createdAt,
		ExpiresAt:          expiresAt,
	}, expiresAt, false)
}

// FindAuthorizeRequestConsent returns the live decision for a request and identifiers
func (s *Store) FindAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers) (_ *storage.AuthorizeRequestConsent, err error) {
	ctx, op := s.start(ctx, "find_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	var record consentRecord
	if err = s.get(ctx, s.consentKey(requestID, ids), &record); err != nil {
		return nil, err
	}
	if s.expired(record.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return record.toConsent(), nil
}

// DeleteAuthorizeRequestConsent removes a consent decision
func (s *Store) DeleteAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers) (err error) {
	ctx, op := s.start(ctx, "delete_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.consentKey(requestID, ids))
}

// ============================================================
// GrantedConsentStore Implementation
// ============================================================

// UpsertGrantedConsent stores or replaces a remembered consent
func (s *Store) UpsertGrantedConsent(ctx context.Context, consent *storage.GrantedConsent) (err error) {
	ctx, op := s.start(ctx, "upsert_granted_consent")
	defer func() { finish(ctx, op, err) }()

	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return errors.New("granted consent must have a subject and a client")
	}
	return s.put(ctx, s.grantedKey(consent.SubjectID, consent.ClientID), consent, consent.ExpiresAt, false)
}

// FindGrantedConsent returns the live remembered consent for a subject and client
func (s *Store) FindGrantedConsent(ctx context.Context, subjectID, clientID string) (_ *storage.GrantedConsent, err error) {
	ctx, op := s.start(ctx, "find_granted_consent")
	defer func() { finish(ctx, op, err) }()

	var consent storage.GrantedConsent
	if err = s.get(ctx, s.grantedKey(subjectID, clientID), &consent); err != nil {
		return nil, err
	}
	if s.expired(consent.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &consent, nil
}

// DeleteGrantedConsent removes a remembered consent
func (s *Store) DeleteGrantedConsent(ctx context.Context, subjectID, clientID string) (err error) {
	ctx, op := s.start(ctx, "delete_granted_consent")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.grantedKey(subjectID, clientID))
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// CreateAuthorizationCode stores an issued authorization code
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, op := s.start(ctx, "create_authorization_code")
	defer func() { finish(ctx, op, err) }()

	if code == nil || code.Handle == "" {
		return errors.New("authorization code must have a handle")
	}
	if err = s.put(ctx, s.codeKey(code.Handle), code, code.ExpiresAt, true); err != nil {
		return err
	}

	s.logger.Debug("Stored authorization code",
		"code_prefix", util.SafeTruncate(code.Handle, handleLogLength),
		"client_id", code.ClientID)
	return nil
}

// FindAuthorizationCode returns a live authorization code without consuming it
func (s *Store) FindAuthorizationCode(ctx context.Context, handle string) (_ *storage.AuthorizationCode, err error) {
	ctx, op := s.start(ctx, "find_authorization_code")
	defer func() { finish(ctx, op, err) }()

	var code storage.AuthorizationCode
	if err = s.get(ctx, s.codeKey(handle), &code); err != nil {
		return nil, err
	}
	if s.expired(code.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &code, nil
}

// ConsumeAuthorizationCode atomically removes and returns a live code
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, handle string) (_ *storage.AuthorizationCode, err error) {
	ctx, op := s.start(ctx, "consume_authorization_code")
	defer func() { finish(ctx, op, err) }()

	var code storage.AuthorizationCode
	if err = s.take(ctx, s.codeKey(handle), &code); err != nil {
		return nil, err
	}
	if s.expired(code.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &code, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, handle string) (err error) {
	ctx, op := s.start(ctx, "delete_authorization_code")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.codeKey(handle))
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// CreateAccessToken stores a reference access token
func (s *Store) CreateAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, op := s.start(ctx, "create_access_token")
	defer func() { finish(ctx, op, err) }()

	if token == nil || token.Handle == "" {
		return errors.New("access token must have a handle")
	}
	return s.put(ctx, s.accessKey(token.Handle), token, token.ExpiresAt, true)
}

// FindAccessToken returns a live access token
func (s *Store) FindAccessToken(ctx context.Context, handle string) (_ *storage.AccessToken, err error) {
	ctx, op := s.start(ctx, "find_access_token")
	defer func() { finish(ctx, op, err) }()

	var token storage.AccessToken
	if err = s.get(ctx, s.accessKey(handle), &token); err != nil {
		return nil, err
	}
	if s.expired(token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &token, nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, handle string) (err error) {
	ctx, op := s.start(ctx, "delete_access_token")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.accessKey(handle))
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// CreateRefreshToken stores an issued refresh token
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, op := s.start(ctx, "create_refresh_token")
	defer func() { finish(ctx, op, err) }()

	if token == nil || token.Handle == "" {
		return errors.New("refresh token must have a handle")
	}
	if err = s.put(ctx, s.refreshKey(token.Handle), token, token.ExpiresAt, true); err != nil {
		return err
	}

	s.logger.Debug("Stored refresh token",
		"token_prefix", util.SafeTruncate(token.Handle, handleLogLength),
		"client_id", token.ClientID,
		"rotated", token.ParentHandle != "")
	return nil
}

// FindRefreshToken returns a live refresh token
func (s *Store) FindRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, op := s.start(ctx, "find_refresh_token")
	defer func() { finish(ctx, op, err) }()

	var token storage.RefreshToken
	if err = s.get(ctx, s.refreshKey(handle), &token); err != nil {
		return nil, err
	}
	if s.expired(token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &token, nil
}

// ConsumeRefreshToken atomically removes and returns a live refresh token
func (s *Store) ConsumeRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, op := s.start(ctx, "consume_refresh_token")
	defer func() { finish(ctx, op, err) }()

	var token storage.RefreshToken
	if err = s.take(ctx, s.refreshKey(handle), &token); err != nil {
		return nil, err
	}
	if s.expired(token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return &token, nil
}

// UpdateRefreshTokenExpiration moves the sliding expiration of a live refresh token.
// It fails with ErrNotFound if the token was consumed or changed concurrently.
func (s *Store) UpdateRefreshTokenExpiration(ctx context.Context, handle string, expiresAt time.Time) (err error) {
	ctx, op := s.start(ctx, "update_refresh_token_expiration")
	defer func() { finish(ctx, op, err) }()

	key := s.refreshKey(handle)
	current, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}

	var token storage.RefreshToken
	if err = storage.OpenRecord(s.getEncryptor(), key, current, &token); err != nil {
		return err
	}
	if s.expired(token.ExpiresAt) {
		return storage.ErrNotFound
	}

	ttl, ok := s.ttl(expiresAt)
	if !ok {
		return s.remove(ctx, key)
	}
	previousTTL, _ := s.ttl(token.ExpiresAt)
	token.ExpiresAt = expiresAt
	updated, err := s.seal(key, &token)
	if err != nil {
		return err
	}

	result, err := luaCompareAndSwap.Run(ctx, s.client, []string{key}, current, updated, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	if result != 1 {
		return storage.ErrNotFound
	}
	s.journal(ctx, func(ctx context.Context) error {
		_, err := luaCompareAndSwap.Run(ctx, s.client, []string{key}, updated, current, previousTTL.Milliseconds()).Result()
		return err
	})
	return nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, handle string) (err error) {
	ctx, op := s.start(ctx, "delete_refresh_token")
	defer func() { finish(ctx, op, err) }()

	return s.remove(ctx, s.refreshKey(handle))
}
