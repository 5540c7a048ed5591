package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"msgate/pkg/logx"
)

const DefaultCacheTTL = 10 * time.Minute

// Cached fronts a Lookup with a redis read-through cache. Redis errors are
// logged and bypass the cache.
type Cached struct {
	next   Lookup
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	log    logx.Logger
}

func NewCached(next Lookup, rdb *redis.Client, ttl time.Duration, log logx.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cached{next: next, redis: rdb, ttl: ttl, prefix: "msgate:profile:", log: log.With(logx.String("comp", "profile_cache"))}
}

func (c *Cached) key(id string) string { return c.prefix + id }

func (c *Cached) Get(ctx context.Context, clientID string) (Profile, error) {
	data, err := c.redis.Get(ctx, c.key(clientID)).Bytes()
	switch {
	case err == nil:
		var p Profile
		if uerr := json.Unmarshal(data, &p); uerr == nil {
			return p, nil
		}
		c.log.Warn("cached profile unreadable; refetching", logx.String("client_id", clientID))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("profile cache read failed", logx.String("client_id", clientID), logx.Err(err))
	}

	p, err := c.next.Get(ctx, clientID)
	if err != nil {
		return Profile{}, err
	}
	if data, err := json.Marshal(p); err == nil {
		if err := c.redis.Set(ctx, c.key(clientID), data, c.ttl).Err(); err != nil {
			c.log.Warn("profile cache write failed", logx.String("client_id", clientID), logx.Err(err))
		}
	}
	return p, nil
}
