package ffprobe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediastream/internal/domain"
	"mediastream/internal/domain/ports"
)

const (
	defaultCacheTTL = 5 * time.Minute
	defaultStoreTTL = 24 * time.Hour
	storeTimeout    = 2 * time.Second
)

type cacheEntry struct {
	info      domain.MediaInfo
	expiresAt time.Time
}

// Cached memoizes probe results per path. Results without a duration are not
// cached because a growing file usually reports one later.
type Cached struct {
	probe ports.MediaProber
	ttl   time.Duration
	now   func() time.Time

	store    Store
	storeTTL time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCached(probe ports.MediaProber, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{
		probe:   probe,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		logger:  slog.Default(),
	}
}

// WithStore adds a shared store consulted after the in-memory entries. Store
// failures are logged and treated as misses.
func (c *Cached) WithStore(store Store, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultStoreTTL
	}
	if logger != nil {
		c.logger = logger
	}
	c.store = store
	c.storeTTL = ttl
	return c
}

func (c *Cached) Probe(ctx context.Context, filePath string) (domain.MediaInfo, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[filePath]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.info, nil
	}
	c.mu.Unlock()

	if info, ok := c.loadShared(ctx, filePath); ok {
		c.remember(filePath, info, now)
		return info, nil
	}

	info, err := c.probe.Probe(ctx, filePath)
	if err != nil {
		return domain.MediaInfo{}, err
	}
	if info.Duration > 0 {
		c.remember(filePath, info, now)
		c.saveShared(ctx, filePath, info)
	}
	return info, nil
}

func (c *Cached) remember(filePath string, info domain.MediaInfo, now time.Time) {
	c.mu.Lock()
	c.entries[filePath] = cacheEntry{info: info, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cached) loadShared(ctx context.Context, filePath string) (domain.MediaInfo, bool) {
	if c.store == nil {
		return domain.MediaInfo{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	info, found, err := c.store.Get(ctx, filePath)
	if err != nil {
		c.logger.Debug("probe store read failed",
			slog.String("path", filePath),
			slog.String("error", err.Error()),
		)
		return domain.MediaInfo{}, false
	}
	if !found || info.Duration <= 0 {
		return domain.MediaInfo{}, false
	}
	return info, true
}

func (c *Cached) saveShared(ctx context.Context, filePath string, info domain.MediaInfo) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := c.store.Set(ctx, filePath, info, c.storeTTL); err != nil {
		c.logger.Debug("probe store write failed",
			slog.String("path", filePath),
			slog.String("error", err.Error()),
		)
	}
}

// Forget drops the cached result for a path.
func (c *Cached) Forget(filePath string) {
	c.mu.Lock()
	delete(c.entries, filePath)
	c.mu.Unlock()
}
