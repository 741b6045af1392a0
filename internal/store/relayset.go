package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"relay-compass/internal/digest"
	"relay-compass/internal/discovery"
)

const (
	relaySetKey = "relayset:v1"

	// How long backends keep the entry at all. Freshness for serving is
	// a separate, much shorter question answered by Fresh; stale sets
	// remain loadable for merging until retention runs out.
	retentionTTL = 7 * 24 * time.Hour
)

// cachedRelaySet is the stored envelope. Digests are derivable, so only
// the URLs are persisted and records are rebuilt through the hasher on
// load.
type cachedRelaySet struct {
	URLs      []string `json:"urls"`
	FetchedAt int64    `json:"fetchedAt"`
}

// Cached is a loaded relay set plus the time it was stored.
type Cached struct {
	Result    discovery.Result
	FetchedAt time.Time
}

// RelaySetCache provides typed access to the persisted relay set.
type RelaySetCache struct {
	backend Backend
	ttl     time.Duration
	hasher  digest.Hasher
}

func NewRelaySetCache(backend Backend, ttl time.Duration, hasher digest.Hasher) *RelaySetCache {
	if hasher == nil {
		hasher = digest.Sum
	}
	return &RelaySetCache{backend: backend, ttl: ttl, hasher: hasher}
}

// Get loads the stored relay set. ok is false when nothing usable is
// stored; backend failures degrade to a miss so callers just discover.
func (c *RelaySetCache) Get(ctx context.Context) (Cached, bool) {
	data, found, err := c.backend.Get(ctx, relaySetKey)
	if err != nil {
		slog.Warn("relay set cache read failed", "error", err)
		return Cached{}, false
	}
	if !found {
		return Cached{}, false
	}

	var cached cachedRelaySet
	if err := json.Unmarshal(data, &cached); err != nil {
		return Cached{}, false
	}

	records := make([]discovery.RelayRecord, 0, len(cached.URLs))
	for _, u := range cached.URLs {
		records = append(records, discovery.RelayRecord{URL: u, Digest: c.hasher(u)})
	}
	return Cached{
		Result:    discovery.Result{Records: records},
		FetchedAt: time.Unix(cached.FetchedAt, 0),
	}, true
}

// Fresh reports whether a cached set is recent enough to serve without
// a new discovery pass.
func (c *RelaySetCache) Fresh(cached Cached) bool {
	if c.ttl <= 0 {
		return false
	}
	return time.Since(cached.FetchedAt) <= c.ttl
}

// Set stores the relay set, best effort.
func (c *RelaySetCache) Set(ctx context.Context, res discovery.Result) {
	cached := cachedRelaySet{
		URLs:      res.URLs(),
		FetchedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.backend.Set(ctx, relaySetKey, data, retentionTTL); err != nil {
		slog.Warn("relay set cache write failed", "error", err)
	}
}

// Invalidate drops the stored set so the next pass starts clean.
func (c *RelaySetCache) Invalidate(ctx context.Context) {
	if err := c.backend.Delete(ctx, relaySetKey); err != nil {
		slog.Warn("relay set cache invalidate failed", "error", err)
	}
}

// Close releases the underlying backend.
func (c *RelaySetCache) Close() error {
	return c.backend.Close()
}
