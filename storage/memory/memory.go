// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

const (
	storageType = "memory"

	// handleLogLength is the number of handle characters included in debug logs
	handleLogLength = 8
)

type consentKey struct {
	requestID string
	ids       storage.Identifiers
}

type grantedKey struct {
	subjectID string
	clientID  string
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	authorizeRequests map[string]*storage.AuthorizeRequest
	authorizeErrors   map[string]*storage.AuthorizeRequestError
	consents          map[consentKey]*storage.AuthorizeRequestConsent
	grantedConsents   map[grantedKey]*storage.GrantedConsent
	codes             map[string]*storage.AuthorizationCode
	accessTokens      map[string]*storage.AccessToken
	refreshTokens     map[string]*storage.RefreshToken

	// Atomic counters for metrics (lock-free access during metric collection)
	requestsCount      atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64
	consentsCount      atomic.Int64

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	now             func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks
var (
	_ storage.Store                        = (*Store)(nil)
	_ storage.AuthorizeRequestStore        = (*Store)(nil)
	_ storage.AuthorizeRequestErrorStore   = (*Store)(nil)
	_ storage.AuthorizeRequestConsentStore = (*Store)(nil)
	_ storage.GrantedConsentStore          = (*Store)(nil)
	_ storage.AuthorizationCodeStore       = (*Store)(nil)
	_ storage.AccessTokenStore             = (*Store)(nil)
	_ storage.RefreshTokenStore            = (*Store)(nil)
	_ storage.Transactor                   = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		authorizeRequests: make(map[string]*storage.AuthorizeRequest),
		authorizeErrors:   make(map[string]*storage.AuthorizeRequestError),
		consents:          make(map[consentKey]*storage.AuthorizeRequestConsent),
		grantedConsents:   make(map[grantedKey]*storage.GrantedConsent),
		codes:             make(map[string]*storage.AuthorizationCode),
		accessTokens:      make(map[string]*storage.AccessToken),
		refreshTokens:     make(map[string]*storage.RefreshToken),
		logger:            slog.Default(),
		now:               time.Now,
		cleanupInterval:   cleanupInterval,
		stopCleanup:       make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the clock used for expiration checks
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		AuthorizeRequests:  s.requestsCount.Load,
		AuthorizationCodes: s.codesCount.Load,
		AccessTokens:       s.accessTokensCount.Load,
		RefreshTokens:      s.refreshTokensCount.Load,
		Consents:           s.consentsCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOperation) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	return inst.StartStorageOperation(ctx, storageType, operation)
}

func finish(ctx context.Context, op *instrumentation.StorageOperation, err error) {
	op.End(ctx, err, errors.Is(err, storage.ErrNotFound))
}

func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpired(expiresAt, s.now())
}

// ============================================================
// Transactions
// ============================================================

type txKey struct{ store *Store }

// transaction journals the inverse of every mutation made while it is open
type transaction struct {
	undo []func()
}

// WithinTransaction runs fn in a transaction. Mutations made through the context passed
// to fn are rolled back if fn returns an error. Consumed codes and refresh tokens are never
// restored. Nested calls join the outer transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ctx.Value(txKey{s}).(*transaction); ok {
		return fn(ctx)
	}

	tx := &transaction{}
	if err := fn(context.WithValue(ctx, txKey{s}, tx)); err != nil {
		s.rollback(tx)
		return err
	}
	return nil
}

func (s *Store) rollback(tx *transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	s.syncCounters()
	s.logger.Debug("Rolled back storage transaction", "operations", len(tx.undo))
}

// journal records an undo step. Must be called with s.mu held.
func (s *Store) journal(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(txKey{s}).(*transaction); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// put stores v under key and journals the previous state. Must be called with s.mu held.
func put[K comparable, V any](ctx context.Context, s *Store, m map[K]*V, key K, v *V) {
	prev, existed := m[key]
	m[key] = v
	s.journal(ctx, func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

// remove deletes key and journals the previous state. Must be called with s.mu held.
func remove[K comparable, V any](ctx context.Context, s *Store, m map[K]*V, key K) {
	prev, existed := m[key]
	if !existed {
		return
	}
	delete(m, key)
	s.journal(ctx, func() { m[key] = prev })
}

func (s *Store) syncCounters() {
	s.requestsCount.Store(int64(len(s.authorizeRequests)))
	s.codesCount.Store(int64(len(s.codes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.consentsCount.Store(int64(len(s.grantedConsents)))
}

// ============================================================
// AuthorizeRequestStore Implementation
// ============================================================

// CreateAuthorizeRequest stores a raw authorize request
func (s *Store) CreateAuthorizeRequest(ctx context.Context, req *storage.AuthorizeRequest) (err error) {
	ctx, op := s.start(ctx, "create_authorize_request")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if req == nil || req.ID == "" {
		return errors.New("authorize request must have an id")
	}

	c := *req
	c.Parameters = cloneValues(req.Parameters)

	s.mu.Lock()
	defer s.mu.Unlock()
	put(ctx, s, s.authorizeRequests, req.ID, &c)
	s.requestsCount.Store(int64(len(s.authorizeRequests)))
	return nil
}

// FindAuthorizeRequest returns a live authorize request
func (s *Store) FindAuthorizeRequest(ctx context.Context, id string) (_ *storage.AuthorizeRequest, err error) {
	ctx, op := s.start(ctx, "find_authorize_request")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authorizeRequests[id]
	if !ok || s.expired(req.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *req
	c.Parameters = cloneValues(req.Parameters)
	return &c, nil
}

// DeleteAuthorizeRequest removes an authorize request
func (s *Store) DeleteAuthorizeRequest(ctx context.Context, id string) (err error) {
	ctx, op := s.start(ctx, "delete_authorize_request")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.authorizeRequests, id)
	s.requestsCount.Store(int64(len(s.authorizeRequests)))
	return nil
}

// ============================================================
// AuthorizeRequestErrorStore Implementation
// ============================================================

// CreateAuthorizeRequestError stores an error for display by the error UI
func (s *Store) CreateAuthorizeRequestError(ctx context.Context, e *storage.AuthorizeRequestError) (err error) {
	ctx, op := s.start(ctx, "create_authorize_request_error")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if e == nil || e.ID == "" {
		return errors.New("authorize request error must have an id")
	}

	c := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	put(ctx, s, s.authorizeErrors, e.ID, &c)
	return nil
}

// FindAuthorizeRequestError returns a live authorize request error
func (s *Store) FindAuthorizeRequestError(ctx context.Context, id string) (_ *storage.AuthorizeRequestError, err error) {
	ctx, op := s.start(ctx, "find_authorize_request_error")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.authorizeErrors[id]
	if !ok || s.expired(e.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *e
	return &c, nil
}

// DeleteAuthorizeRequestError removes an authorize request error
func (s *Store) DeleteAuthorizeRequestError(ctx context.Context, id string) (err error) {
	ctx, op := s.start(ctx, "delete_authorize_request_error")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.authorizeErrors, id)
	return nil
}

// ============================================================
// AuthorizeRequestConsentStore Implementation
// ============================================================

// GrantAuthorizeRequestConsent records a granted consent, replacing any previous decision
func (s *Store) GrantAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers, granted storage.ConsentGranted, createdAt, expiresAt time.Time) (err error) {
	ctx, op := s.start(ctx, "grant_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	granted.Scopes = slices.Clone(granted.Scopes)
	s.saveConsent(ctx, &storage.AuthorizeRequestConsent{
		AuthorizeRequestID: requestID,
		Identifiers:        ids,
		Decision:           granted,
		CreatedAt:          createdAt,
		ExpiresAt:          expiresAt,
	})
	return nil
}

// DenyAuthorizeRequestConsent records a denial, replacing any previous decision
func (s *Store) DenyAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers, createdAt, expiresAt time.Time) (err error) {
	ctx, op := s.start(ctx, "deny_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.saveConsent(ctx, &storage.AuthorizeRequestConsent{
		AuthorizeRequestID: requestID,
		Identifiers:        ids,
		Decision:           storage.ConsentDenied{},
		CreatedAt:          createdAt,
		ExpiresAt:          expiresAt,
	})
	return nil
}

func (s *Store) saveConsent(ctx context.Context, consent *storage.AuthorizeRequestConsent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	put(ctx, s, s.consents, consentKey{consent.AuthorizeRequestID, consent.Identifiers}, consent)
}

// FindAuthorizeRequestConsent returns the live decision for a request and identity
func (s *Store) FindAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers) (_ *storage.AuthorizeRequestConsent, err error) {
	ctx, op := s.start(ctx, "find_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey{requestID, ids}]
	if !ok || s.expired(consent.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *consent
	return &c, nil
}

// DeleteAuthorizeRequestConsent removes a consent decision
func (s *Store) DeleteAuthorizeRequestConsent(ctx context.Context, requestID string, ids storage.Identifiers) (err error) {
	ctx, op := s.start(ctx, "delete_authorize_request_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.consents, consentKey{requestID, ids})
	return nil
}

// ============================================================
// GrantedConsentStore Implementation
// ============================================================

// UpsertGrantedConsent creates or replaces the remembered consent of a subject for a client
func (s *Store) UpsertGrantedConsent(ctx context.Context, consent *storage.GrantedConsent) (err error) {
	ctx, op := s.start(ctx, "upsert_granted_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if consent == nil || consent.SubjectID == "" || consent.ClientID == "" {
		return errors.New("granted consent must have a subject and a client")
	}

	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	put(ctx, s, s.grantedConsents, grantedKey{consent.SubjectID, consent.ClientID}, &c)
	s.consentsCount.Store(int64(len(s.grantedConsents)))
	return nil
}

// FindGrantedConsent returns the live remembered consent of a subject for a client
func (s *Store) FindGrantedConsent(ctx context.Context, subjectID, clientID string) (_ *storage.GrantedConsent, err error) {
	ctx, op := s.start(ctx, "find_granted_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.grantedConsents[grantedKey{subjectID, clientID}]
	if !ok || s.expired(consent.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *consent
	c.Scopes = slices.Clone(consent.Scopes)
	return &c, nil
}

// DeleteGrantedConsent removes a remembered consent
func (s *Store) DeleteGrantedConsent(ctx context.Context, subjectID, clientID string) (err error) {
	ctx, op := s.start(ctx, "delete_granted_consent")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.grantedConsents, grantedKey{subjectID, clientID})
	s.consentsCount.Store(int64(len(s.grantedConsents)))
	return nil
}

// ============================================================
// AuthorizationCodeStore Implementation
// ============================================================

// CreateAuthorizationCode stores an issued authorization code
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, op := s.start(ctx, "create_authorization_code")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if code == nil || code.Handle == "" {
		return errors.New("authorization code must have a handle")
	}

	c := *code
	c.Scopes = slices.Clone(code.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code.Handle]; exists {
		return errors.New("authorization code handle already exists")
	}
	put(ctx, s, s.codes, code.Handle, &c)
	s.codesCount.Store(int64(len(s.codes)))

	s.logger.Debug("Stored authorization code",
		"code_prefix", util.SafeTruncate(code.Handle, handleLogLength),
		"client_id", code.ClientID)
	return nil
}

// FindAuthorizationCode returns a live authorization code without consuming it
func (s *Store) FindAuthorizationCode(ctx context.Context, handle string) (_ *storage.AuthorizationCode, err error) {
	ctx, op := s.start(ctx, "find_authorization_code")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[handle]
	if !ok || s.expired(code.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *code
	c.Scopes = slices.Clone(code.Scopes)
	return &c, nil
}

// ConsumeAuthorizationCode atomically removes and returns a live code. The removal is
// not journaled: a consumed code stays consumed even if the transaction rolls back.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, handle string) (_ *storage.AuthorizationCode, err error) {
	ctx, op := s.start(ctx, "consume_authorization_code")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.codes, handle)
	s.codesCount.Store(int64(len(s.codes)))

	if s.expired(code.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return code, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, handle string) (err error) {
	ctx, op := s.start(ctx, "delete_authorization_code")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.codes, handle)
	s.codesCount.Store(int64(len(s.codes)))
	return nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// CreateAccessToken stores a reference access token
func (s *Store) CreateAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, op := s.start(ctx, "create_access_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if token == nil || token.Handle == "" {
		return errors.New("access token must have a handle")
	}

	c := *token
	c.Scopes = slices.Clone(token.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	put(ctx, s, s.accessTokens, token.Handle, &c)
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	return nil
}

// FindAccessToken returns a live reference access token
func (s *Store) FindAccessToken(ctx context.Context, handle string) (_ *storage.AccessToken, err error) {
	ctx, op := s.start(ctx, "find_access_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[handle]
	if !ok || s.expired(token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *token
	c.Scopes = slices.Clone(token.Scopes)
	return &c, nil
}

// DeleteAccessToken removes a reference access token
func (s *Store) DeleteAccessToken(ctx context.Context, handle string) (err error) {
	ctx, op := s.start(ctx, "delete_access_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.accessTokens, handle)
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// CreateRefreshToken stores a refresh token
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, op := s.start(ctx, "create_refresh_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}
	if token == nil || token.Handle == "" {
		return errors.New("refresh token must have a handle")
	}

	c := *token
	c.Scopes = slices.Clone(token.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.refreshTokens[token.Handle]; exists {
		return errors.New("refresh token handle already exists")
	}
	put(ctx, s, s.refreshTokens, token.Handle, &c)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// FindRefreshToken returns a live refresh token
func (s *Store) FindRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, op := s.start(ctx, "find_refresh_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[handle]
	if !ok || s.expired(token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	c := *token
	c.Scopes = slices.Clone(token.Scopes)
	return &c, nil
}

// ConsumeRefreshToken atomically removes and returns a live refresh token. Like code
// consumption, the removal survives a rollback.
func (s *Store) ConsumeRefreshToken(ctx context.Context, handle string) (_ *storage.RefreshToken, err error) {
	ctx, op := s.start(ctx, "consume_refresh_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.refreshTokens, handle)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	if s.expired(token.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	return token, nil
}

// UpdateRefreshTokenExpiration moves the sliding expiration of a live refresh token
func (s *Store) UpdateRefreshTokenExpiration(ctx context.Context, handle string, expiresAt time.Time) (err error) {
	ctx, op := s.start(ctx, "update_refresh_token_expiration")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[handle]
	if !ok || s.expired(token.ExpiresAt) {
		return storage.ErrNotFound
	}
	updated := *token
	updated.ExpiresAt = expiresAt
	put(ctx, s, s.refreshTokens, handle, &updated)
	return nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, handle string) (err error) {
	ctx, op := s.start(ctx, "delete_refresh_token")
	defer func() { finish(ctx, op, err) }()

	if err = ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	remove(ctx, s, s.refreshTokens, handle)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purge := func(expiresAt time.Time) bool {
		return security.IsExpiredWithGracePeriod(expiresAt, now, security.DefaultClockSkewGracePeriod)
	}

	before := len(s.authorizeRequests) + len(s.authorizeErrors) + len(s.consents) +
		len(s.grantedConsents) + len(s.codes) + len(s.accessTokens) + len(s.refreshTokens)

	maps.DeleteFunc(s.authorizeRequests, func(_ string, v *storage.AuthorizeRequest) bool { return purge(v.ExpiresAt) })
	maps.DeleteFunc(s.authorizeErrors, func(_ string, v *storage.AuthorizeRequestError) bool { return purge(v.ExpiresAt) })
	maps.DeleteFunc(s.consents, func(_ consentKey, v *storage.AuthorizeRequestConsent) bool { return purge(v.ExpiresAt) })
	maps.DeleteFunc(s.grantedConsents, func(_ grantedKey, v *storage.GrantedConsent) bool { return purge(v.ExpiresAt) })
	maps.DeleteFunc(s.codes, func(_ string, v *storage.AuthorizationCode) bool { return purge(v.ExpiresAt) })
	maps.DeleteFunc(s.accessTokens, func(_ string, v *storage.AccessToken) bool { return purge(v.ExpiresAt) })
	maps.DeleteFunc(s.refreshTokens, func(_ string, v *storage.RefreshToken) bool { return purge(v.ExpiresAt) })

	after := len(s.authorizeRequests) + len(s.authorizeErrors) + len(s.consents) +
		len(s.grantedConsents) + len(s.codes) + len(s.accessTokens) + len(s.refreshTokens)

	s.syncCounters()

	if cleaned := before - after; cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

func cloneValues(v map[string][]string) map[string][]string {
	if v == nil {
		return nil
	}
	c := make(map[string][]string, len(v))
	for k, vals := range v {
		c[k] = slices.Clone(vals)
	}
	return c
}
