package external

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trial-match-server/internal/domain"
)

// CacheClient wraps Redis with caching for concept-linker responses. Linker
// calls dominate request latency when the model service is remote, and CUI
// sets for a given condition list never change within a deployment.
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a cache client and verifies connectivity.
func NewCacheClient(config domain.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.PoolTimeout = config.PoolTimeout
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{
		redis:      client,
		defaultTTL: config.DefaultTTL,
	}, nil
}

// cachedCUIs is the stored form of a linker response.
type cachedCUIs struct {
	CUIs      []string  `json:"cuis"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetCUIs retrieves a cached CUI set for the given texts.
func (c *CacheClient) GetCUIs(ctx context.Context, texts []string) ([]string, bool, error) {
	key := cuisKey(texts)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get CUI cache: %w", err)
	}

	var cached cachedCUIs
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.CUIs, true, nil
}

// SetCUIs caches a CUI set for the given texts.
func (c *CacheClient) SetCUIs(ctx context.Context, texts, cuis []string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cached := cachedCUIs{
		CUIs:      cuis,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal CUI cache data: %w", err)
	}
	return c.redis.Set(ctx, cuisKey(texts), jsonData, ttl).Err()
}

// Ping checks whether the Redis connection is alive.
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

func cuisKey(texts []string) string {
	hash := sha256.Sum256([]byte(strings.Join(texts, "\x1f")))
	return fmt.Sprintf("linker:cuis:%x", hash[:8])
}

// CachingLinker decorates a concept linker with an in-process LRU and an
// optional Redis layer. The LRU absorbs per-request repeats; Redis shares
// results across instances. Either layer may be absent.
type CachingLinker struct {
	inner domain.ConceptLinker
	local *lru.Cache[string, []string]
	redis *CacheClient
}

// NewCachingLinker wraps inner with caching. lruSize <= 0 disables the
// in-process layer; a nil cache disables the Redis layer.
func NewCachingLinker(inner domain.ConceptLinker, lruSize int, cache *CacheClient) (*CachingLinker, error) {
	cl := &CachingLinker{inner: inner, redis: cache}
	if lruSize > 0 {
		local, err := lru.New[string, []string](lruSize)
		if err != nil {
			return nil, fmt.Errorf("creating linker LRU: %w", err)
		}
		cl.local = local
	}
	return cl, nil
}

// ExtractCUIs implements domain.ConceptLinker.
func (c *CachingLinker) ExtractCUIs(ctx context.Context, text string) ([]string, error) {
	return c.ExtractCUIsMany(ctx, []string{text})
}

// ExtractCUIsMany implements domain.ConceptLinker.
func (c *CachingLinker) ExtractCUIsMany(ctx context.Context, texts []string) ([]string, error) {
	key := strings.Join(texts, "\x1f")

	if c.local != nil {
		if cuis, ok := c.local.Get(key); ok {
			return cuis, nil
		}
	}
	if c.redis != nil {
		if cuis, ok, err := c.redis.GetCUIs(ctx, texts); err == nil && ok {
			if c.local != nil {
				c.local.Add(key, cuis)
			}
			return cuis, nil
		}
	}

	cuis, err := c.inner.ExtractCUIsMany(ctx, texts)
	if err != nil {
		return nil, err
	}
	if c.local != nil {
		c.local.Add(key, cuis)
	}
	if c.redis != nil {
		// Best effort; a write failure must not fail the request.
		_ = c.redis.SetCUIs(ctx, texts, cuis, 0)
	}
	return cuis, nil
}
