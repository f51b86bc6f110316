package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
)

const cacheVersionKey = "perm:resolve:version"

// Cache stores resolved decisions in Redis under a versioned key. Grant writes
// bump the version, dropping the whole namespace at once: a single grant on a
// cabinet can change the outcome for every node below it, so per-key deletion
// would have to enumerate subtrees. Callers capture the version with Version
// before computing a decision and hand it back to Get and Set; a bump that
// lands mid-computation then orphans the stale entry instead of adopting it.
// All methods tolerate a nil receiver so the engine runs unchanged without
// Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a Cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) key(version, userID int64, ref hierarchy.NodeRef) string {
	return fmt.Sprintf("perm:resolve:%d:%d:%s:%d", version, userID, ref.Kind, ref.ID)
}

// Version reads the current namespace version, seeding it on first use. Zero
// means the version is unavailable; Get and Set treat that as cache-off so a
// transport failure never pins an entry under a guessed version.
func (c *Cache) Version(ctx context.Context) int64 {
	if c == nil || c.client == nil {
		return 0
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0
		}
		return 1
	}
	if err != nil {
		return 0
	}
	return ver
}

// Get loads a cached decision under the captured version. Missing keys and
// transport errors both read as a miss; resolution falls through to the
// sources.
func (c *Cache) Get(ctx context.Context, version, userID int64, ref hierarchy.NodeRef) (Decision, bool) {
	if c == nil || c.client == nil || version == 0 {
		return Decision{}, false
	}
	payload, err := c.client.Get(ctx, c.key(version, userID, ref)).Bytes()
	if err != nil {
		return Decision{}, false
	}
	var decision Decision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return Decision{}, false
	}
	return decision, true
}

// Set stores a decision under the version captured before the decision was
// computed. Errors are ignored, the cache is best effort.
func (c *Cache) Set(ctx context.Context, version, userID int64, ref hierarchy.NodeRef, decision Decision) {
	if c == nil || c.client == nil || version == 0 {
		return
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(version, userID, ref), payload, c.ttl).Err()
}

// Invalidate bumps the version, orphaning every cached decision. The grant
// store calls it after each mutation; orphaned keys age out via their TTL.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}
