package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/opside/recon/internal/store"
)

// Cache is the hot-read cache in front of the claim store. Persistence is
// authoritative; a cache miss is never an error.
type Cache interface {
	Set(ctx context.Context, claim *store.ClaimCandidate)
	Get(ctx context.Context, claimID string) (*store.ClaimCandidate, bool)
}

// LocalCache keeps recent claims in process memory.
type LocalCache struct {
	c *gocache.Cache
}

// NewLocalCache creates an in-process cache with the given TTL.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &LocalCache{c: gocache.New(ttl, ttl/4)}
}

func (l *LocalCache) Set(_ context.Context, claim *store.ClaimCandidate) {
	cp := *claim
	l.c.Set(claim.ClaimID, &cp, gocache.DefaultExpiration)
}

func (l *LocalCache) Get(_ context.Context, claimID string) (*store.ClaimCandidate, bool) {
	v, ok := l.c.Get(claimID)
	if !ok {
		return nil, false
	}
	cp := *v.(*store.ClaimCandidate)
	return &cp, true
}

// RedisCache shares recent claims across instances.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a cache on an existing redis client.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func claimKey(claimID string) string {
	return fmt.Sprintf("claim:%s", claimID)
}

func (r *RedisCache) Set(ctx context.Context, claim *store.ClaimCandidate) {
	raw, err := json.Marshal(claim)
	if err != nil {
		return
	}
	r.rdb.Set(ctx, claimKey(claim.ClaimID), raw, r.ttl)
}

func (r *RedisCache) Get(ctx context.Context, claimID string) (*store.ClaimCandidate, bool) {
	raw, err := r.rdb.Get(ctx, claimKey(claimID)).Bytes()
	if err != nil {
		return nil, false
	}
	var claim store.ClaimCandidate
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, false
	}
	return &claim, true
}
