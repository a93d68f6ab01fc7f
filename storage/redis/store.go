package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "oidc:"

	storageType = "redis"

	// handleLogLength is the number of handle characters included in debug logs
	handleLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errRecordTooLarge = errors.New("record exceeds maximum allowed size")

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g. "localhost:6379"
	Address string

	// Username and Password are optional ACL credentials
	Username string
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Encryptor seals records at rest. Nil stores plain JSON.
	Encryptor *security.Encryptor
}

// Store is a Redis-backed implementation of storage.Store.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger

	mu              sync.RWMutex
	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// Compile-time interface checks
var (
	_ storage.Store      = (*Store)(nil)
	_ storage.Transactor = (*Store)(nil)
)

// New connects to Redis and returns a store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:      cfg.Address,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix,
		"encrypted", cfg.Encryptor.IsEnabled())
	return s, nil
}

// NewWithClient wraps an existing client, e.g. a cluster or sentinel client. Address, DB
// and TLS in cfg are ignored.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		encryptor: cfg.Encryptor,
		now:       time.Now,
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	s.logger.Info("Redis storage connection closed")
	return s.client.Close()
}

// SetEncryptor sets the record encryptor. Records written before the change cannot be
// read after it.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Record encryption at rest enabled for Redis storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// SetClock replaces the clock used for expiration checks and TTLs
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
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

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) requestKey(id string) string {
	return s.prefix + "request:" + storage.HandleKey(id)
}

func (s *Store) errorKey(id string) string {
	return s.prefix + "error:" + storage.HandleKey(id)
}

// consentKey joins the parts with NUL, which cannot occur in any of them
func (s *Store) consentKey(requestID string, ids storage.Identifiers) string {
	return s.prefix + "consent:" + storage.HandleKey(strings.Join([]string{requestID, ids.SubjectID, ids.SessionID}, "\x00"))
}

func (s *Store) grantedKey(subjectID, clientID string) string {
	return s.prefix + "granted:" + storage.HandleKey(subjectID+"\x00"+clientID)
}

func (s *Store) codeKey(handle string) string {
	return s.prefix + "code:" + storage.HandleKey(handle)
}

func (s *Store) accessKey(handle string) string {
	return s.prefix + "access:" + storage.HandleKey(handle)
}

func (s *Store) refreshKey(handle string) string {
	return s.prefix + "refresh:" + storage.HandleKey(handle)
}

// ============================================================
// Record Helpers
// ============================================================

// ttl converts an expiration into a Redis TTL. Zero means no expiration; ok is false
// when the record has already expired.
func (s *Store) ttl(expiresAt time.Time) (ttl time.Duration, ok bool) {
	if expiresAt.IsZero() {
		return 0, true
	}
	ttl = expiresAt.Sub(s.clock())
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpired(expiresAt, s.clock())
}

func (s *Store) seal(key string, v any) ([]byte, error) {
	data, err := storage.SealRecord(s.getEncryptor(), key, v)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxRecordSize {
		return nil, errRecordTooLarge
	}
	return data, nil
}

// put writes v under key. With onlyNew the write fails if the key exists. Already
// expired records are not written.
func (s *Store) put(ctx context.Context, key string, v any, expiresAt time.Time, onlyNew bool) error {
	ttl, ok := s.ttl(expiresAt)
	if !ok {
		s.logger.Debug("Skipped storing expired record", "key", key)
		return nil
	}
	data, err := s.seal(key, v)
	if err != nil {
		return err
	}

	if onlyNew {
		created, err := s.client.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		if !created {
			return errors.New("record already exists")
		}
		s.journal(ctx, func(ctx context.Context) error {
			return s.client.Del(ctx, key).Err()
		})
		return nil
	}

	if err := s.snapshot(ctx, key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// get reads and opens the record under key into v
func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	return storage.OpenRecord(s.getEncryptor(), key, data, v)
}

// take atomically reads and deletes the record under key. Not journaled.
func (s *Store) take(ctx context.Context, key string, v any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume record: %w", err)
	}
	return storage.OpenRecord(s.getEncryptor(), key, data, v)
}

func (s *Store) remove(ctx context.Context, key string) error {
	if err := s.snapshot(ctx, key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// ============================================================
// Transactions
// ============================================================

type txKey struct{ store *Store }

type transaction struct {
	undo []func(ctx context.Context) error
}

// WithinTransaction runs fn and replays compensating writes if it fails. Nested calls
// join the outer transaction.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ctx.Value(txKey{s}).(*transaction); ok {
		return fn(ctx)
	}

	tx := &transaction{}
	if err := fn(context.WithValue(ctx, txKey{s}, tx)); err != nil {
		s.rollback(context.WithoutCancel(ctx), tx)
		return err
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx *transaction) {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](ctx); err != nil {
			s.logger.Error("Failed to roll back storage write", "error", err)
		}
	}
	s.logger.Debug("Rolled back storage transaction", "operations", len(tx.undo))
}

func (s *Store) journal(ctx context.Context, undo func(ctx context.Context) error) {
	if tx, ok := ctx.Value(txKey{s}).(*transaction); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// snapshot journals the current value and TTL of key so a rollback can restore it.
// Outside a transaction it does nothing.
func (s *Store) snapshot(ctx context.Context, key string) error {
	if _, ok := ctx.Value(txKey{s}).(*transaction); !ok {
		return nil
	}

	var (
		get *goredis.StringCmd
		ttl *goredis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to snapshot record: %w", err)
	}

	prev, err := get.Bytes()
	if errors.Is(err, goredis.Nil) {
		s.journal(ctx, func(ctx context.Context) error {
			return s.client.Del(ctx, key).Err()
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to snapshot record: %w", err)
	}

	// PTTL reports -1 for keys without expiration
	restoreTTL := ttl.Val()
	if restoreTTL < 0 {
		restoreTTL = 0
	}
	s.journal(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, prev, restoreTTL).Err()
	})
	return nil
}
