// Package cache deduplicates provider calls by content address: a stable
// hash of the lowercased serialized message list, scoped per tech. Redis is
// a hot front over the durable llm_cache table; either layer failing
// degrades to a miss, never to an error for the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgate/internal/conversation"
	"chatgate/internal/storage"
)

// Entry is the cached provider outcome.
type Entry struct {
	Messages     []conversation.Message `json:"messages"`
	InputTokens  int64                  `json:"input_tokens"`
	OutputTokens int64                  `json:"output_tokens"`
}

// Durable is the slice of the data store the cache writes through to.
type Durable interface {
	GetCacheEntry(ctx context.Context, techID int64, cacheKey string) (storage.CacheEntry, error)
	SaveCacheEntry(ctx context.Context, techID int64, cacheKey, responseJSON string) error
}

type Cache struct {
	redis  *redis.Client
	store  Durable
	ttl    time.Duration
	logger zerolog.Logger
}

type Config struct {
	Redis  *redis.Client
	Store  Durable
	TTL    time.Duration
	Logger zerolog.Logger
}

func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	return &Cache{
		redis:  cfg.Redis,
		store:  cfg.Store,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}
}

// Key derives the content address: hex SHA-256 over the lowercased JSON
// serialization of the message list. Case differences in the prompt hit the
// same entry.
func Key(msgs []conversation.Message) string {
	b, err := json.Marshal(msgs)
	if err != nil {
		// conversation.Message marshals cleanly; this path is unreachable
		// with well-formed input.
		b = []byte(fmt.Sprintf("%v", msgs))
	}
	sum := sha256.Sum256([]byte(strings.ToLower(string(b))))
	return hex.EncodeToString(sum[:])
}

// TryGet returns the key for the message list and the cached entry if one
// exists in either layer. A durable hit repopulates the redis front.
func (c *Cache) TryGet(ctx context.Context, techID int64, msgs []conversation.Message) (string, *Entry) {
	key := Key(msgs)

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, c.frontKey(techID, key)).Result()
		if err == nil {
			if e := decode(raw); e != nil {
				return key, e
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Int64("tech_id", techID).Msg("cache front read failed")
		}
	}

	row, err := c.store.GetCacheEntry(ctx, techID, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Int64("tech_id", techID).Msg("cache read failed")
		}
		return key, nil
	}
	e := decode(row.ResponseJSON)
	if e == nil {
		return key, nil
	}
	c.setFront(ctx, techID, key, row.ResponseJSON)
	return key, e
}

// Save writes through to both layers after a successful provider call.
func (c *Cache) Save(ctx context.Context, techID int64, key string, entry Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn().Err(err).Int64("tech_id", techID).Msg("cache entry marshal failed")
		return
	}
	if err := c.store.SaveCacheEntry(ctx, techID, key, string(raw)); err != nil {
		c.logger.Warn().Err(err).Int64("tech_id", techID).Msg("cache write failed")
	}
	c.setFront(ctx, techID, key, string(raw))
}

func (c *Cache) setFront(ctx context.Context, techID int64, key, raw string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, c.frontKey(techID, key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Int64("tech_id", techID).Msg("cache front write failed")
	}
}

func (c *Cache) frontKey(techID int64, key string) string {
	return fmt.Sprintf("chatgate:llmcache:%d:%s", techID, key)
}

func decode(raw string) *Entry {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil
	}
	if len(e.Messages) == 0 {
		return nil
	}
	return &e
}
