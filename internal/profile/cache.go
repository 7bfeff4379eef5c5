package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/driftcast/driftcast-client/internal/api"
	"github.com/driftcast/driftcast-client/internal/identity"
	"go.uber.org/zap"
)

var errMissingFetcher = errors.New("profile: fetcher is required")

// Fetcher retrieves raw profile fields for a user. api.Client satisfies it.
type Fetcher interface {
	FetchProfile(ctx context.Context, userID string) (identity.Profile, error)
}

// CacheConfig describes the dependencies of the enrichment cache.
type CacheConfig struct {
	Fetcher       Fetcher
	AvatarBaseURL string
	Logger        *zap.Logger
}

type cacheEntry struct {
	resolved identity.DisplayIdentity
	missing  bool
}

// Cache resolves sparse user identifiers into display identities, memoizing
// results (including not-found misses) for the lifetime of the session.
// Concurrent unresolved lookups for the same id may race into duplicate
// fetches; the result is idempotent and the last write wins.
type Cache struct {
	fetcher       Fetcher
	avatarBaseURL string
	logger        *zap.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache constructs the enrichment cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher:       cfg.Fetcher,
		avatarBaseURL: cfg.AvatarBaseURL,
		logger:        logger,
		entries:       make(map[string]cacheEntry),
	}, nil
}

// Resolve returns the display identity for a user. Resolution failure is
// soft: the caller always receives a usable identity, degraded to the raw id
// when the profile cannot be fetched. Only a confirmed not-found is cached as
// a miss; transient fetch errors are retried on the next call.
func (c *Cache) Resolve(ctx context.Context, userID string) identity.DisplayIdentity {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok {
		if entry.missing {
			return identity.Fallback(userID, "")
		}
		return entry.resolved
	}

	fetched, err := c.fetcher.FetchProfile(ctx, userID)
	if errors.Is(err, api.ErrNotFound) {
		c.store(userID, cacheEntry{missing: true})
		return identity.Fallback(userID, "")
	}
	if err != nil {
		c.logger.Debug("profile resolution failed", zap.String("user_id", userID), zap.Error(err))
		return identity.Fallback(userID, "")
	}

	resolved := identity.Resolve(userID, fetched, c.avatarBaseURL)
	c.store(userID, cacheEntry{resolved: resolved})
	return resolved
}

// Prime seeds the cache with a known identity, typically the session's own
// user, so the first optimistic message needs no network round trip.
func (c *Cache) Prime(resolved identity.DisplayIdentity) error {
	if resolved.UserID == "" {
		return fmt.Errorf("profile: identity with blank user id cannot be primed")
	}
	c.store(resolved.UserID, cacheEntry{resolved: resolved})
	return nil
}

// Len reports the number of cached entries, misses included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) store(userID string, entry cacheEntry) {
	c.mu.Lock()
	c.entries[userID] = entry
	c.mu.Unlock()
}
