// Package cache provides an optional Redis-backed memoization layer over
// backends.ThreatIntel lookups. A ThreatIntel built with no Redis client
// simply calls through to the wrapped backends.ThreatIntel, so the core
// never requires Redis to run.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/sentryscope/pkg/backends"
	"github.com/jordigilh/sentryscope/pkg/entity"
)

// ThreatIntel wraps a backends.ThreatIntel with a TTL'd Redis cache.
type ThreatIntel struct {
	client *redis.Client
	next   backends.ThreatIntel
	ttl    time.Duration
}

// NewThreatIntel wraps next with a cache using client. If client is nil, the
// returned ThreatIntel calls through to next without caching.
func NewThreatIntel(client *redis.Client, next backends.ThreatIntel, ttl time.Duration) *ThreatIntel {
	return &ThreatIntel{client: client, next: next, ttl: ttl}
}

func (c *ThreatIntel) lookup(ctx context.Context, method, indicator string, fetch func(context.Context, string) (*entity.ThreatIntelRecord, error)) (*entity.ThreatIntelRecord, error) {
	if c.client == nil {
		return fetch(ctx, indicator)
	}

	key := "sentryscope:ti:" + method + ":" + indicator
	if cached, err := c.client.Get(ctx, key).Result(); err == nil {
		if cached == "" {
			return nil, nil
		}
		var rec entity.ThreatIntelRecord
		if err := json.Unmarshal([]byte(cached), &rec); err == nil {
			return &rec, nil
		}
	}

	rec, err := fetch(ctx, indicator)
	if err != nil {
		return nil, err
	}

	payload := []byte("")
	if rec != nil {
		if encoded, err := json.Marshal(rec); err == nil {
			payload = encoded
		}
	}
	c.client.Set(ctx, key, payload, c.ttl)

	return rec, nil
}

func (c *ThreatIntel) QueryIP(ctx context.Context, ip string) (*entity.ThreatIntelRecord, error) {
	return c.lookup(ctx, "ip", ip, c.next.QueryIP)
}

func (c *ThreatIntel) QueryDomain(ctx context.Context, domain string) (*entity.ThreatIntelRecord, error) {
	return c.lookup(ctx, "domain", domain, c.next.QueryDomain)
}

func (c *ThreatIntel) QueryHash(ctx context.Context, hash string) (*entity.ThreatIntelRecord, error) {
	return c.lookup(ctx, "hash", hash, c.next.QueryHash)
}
