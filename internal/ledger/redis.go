package ledger

// This file stores override sets in Redis.  Each entity gets one key of
// the form <prefix>:<namespace>:<entityID> holding a JSON array of its
// overrides, so entries can be pruned independently.  Startup recovery
// walks the namespace with SCAN rather than KEYS to avoid blocking the
// server on large keyspaces.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/restaurant-sync/internal/model"
)

// RedisPersister implements Persister on top of a Redis client.
type RedisPersister struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisPersister returns a persister writing keys under
// prefix:namespace.  A positive ttl expires override sets that have not
// been touched for that long; zero keeps them until reconciled.
func NewRedisPersister(rdb redis.Cmdable, prefix, namespace string, ttl time.Duration) *RedisPersister {
	if prefix == "" {
		prefix = "ovr"
	}
	return &RedisPersister{rdb: rdb, prefix: prefix + ":" + namespace, ttl: ttl}
}

func (p *RedisPersister) key(id string) string { return p.prefix + ":" + id }

// Save replaces the override set of entityID.
func (p *RedisPersister) Save(ctx context.Context, entityID string, overrides []model.Override) error {
	body, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	if err := p.rdb.Set(ctx, p.key(entityID), body, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entityID, err)
	}
	return nil
}

// Delete removes the override set of entityID.
func (p *RedisPersister) Delete(ctx context.Context, entityID string) error {
	if err := p.rdb.Del(ctx, p.key(entityID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", entityID, err)
	}
	return nil
}

// LoadAll returns every override set of the namespace.  Keys that vanish
// between SCAN and GET are skipped; undecodable values are reported.
func (p *RedisPersister) LoadAll(ctx context.Context) (map[string][]model.Override, error) {
	out := make(map[string][]model.Override)
	iter := p.rdb.Scan(ctx, 0, p.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		bs, err := p.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", key, err)
		}
		var list []model.Override
		if err := json.Unmarshal(bs, &list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, p.prefix+":")] = list
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
