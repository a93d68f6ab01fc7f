package response

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oidc-server/instrumentation"
)

// DefaultDocumentCacheTTL is how long discovery and JWKS documents are served from cache
const DefaultDocumentCacheTTL = 5 * time.Minute

// documentCache holds marshalled documents until they expire. Concurrent misses for the
// same key share one build.
type documentCache struct {
	cache   *gocache.Cache
	group   singleflight.Group
	metrics *instrumentation.Metrics
}

func newDocumentCache(ttl time.Duration, metrics *instrumentation.Metrics) *documentCache {
	if ttl <= 0 {
		ttl = DefaultDocumentCacheTTL
	}
	return &documentCache{
		cache:   gocache.New(ttl, 2*ttl),
		metrics: metrics,
	}
}

func (c *documentCache) get(ctx context.Context, document, key string, build func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.cache.Get(key); ok {
		c.record(ctx, document, true)
		return v.([]byte), nil
	}
	c.record(ctx, document, false)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The build is shared with other waiters, so one caller's cancellation must not fail it
	buildCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		body, err := build(buildCtx)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(key, body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *documentCache) record(ctx context.Context, document string, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordDocumentCacheLookup(ctx, document, hit)
	}
}
