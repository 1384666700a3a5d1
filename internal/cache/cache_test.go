package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatgate/internal/conversation"
	"chatgate/internal/storage"
)

type memDurable struct {
	rows  map[string]string
	saves int
}

func newMemDurable() *memDurable {
	return &memDurable{rows: map[string]string{}}
}

func (m *memDurable) rowKey(techID int64, key string) string {
	return fmt.Sprintf("%d/%s", techID, key)
}

func (m *memDurable) GetCacheEntry(_ context.Context, techID int64, cacheKey string) (storage.CacheEntry, error) {
	raw, ok := m.rows[m.rowKey(techID, cacheKey)]
	if !ok {
		return storage.CacheEntry{}, storage.ErrNotFound
	}
	return storage.CacheEntry{TechID: techID, CacheKey: cacheKey, ResponseJSON: raw}, nil
}

func (m *memDurable) SaveCacheEntry(_ context.Context, techID int64, cacheKey, responseJSON string) error {
	m.saves++
	m.rows[m.rowKey(techID, cacheKey)] = responseJSON
	return nil
}

func testCache(t *testing.T) (*Cache, *memDurable, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	durable := newMemDurable()
	return New(Config{Redis: rdb, Store: durable, Logger: zerolog.Nop()}), durable, mr
}

func history(texts ...string) []conversation.Message {
	out := make([]conversation.Message, 0, len(texts))
	for i, txt := range texts {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleModel
		}
		out = append(out, conversation.Message{Role: role, Text: txt})
	}
	return out
}

func TestKeyIsCaseInsensitiveAndDeterministic(t *testing.T) {
	a := Key(history("Hello There"))
	b := Key(history("hello there"))
	c := Key(history("something else"))

	if a != b {
		t.Fatalf("case variants should share a key: %q vs %q", a, b)
	}
	if a == c {
		t.Fatal("distinct content should not collide")
	}
	if a != Key(history("Hello There")) {
		t.Fatal("key is not deterministic")
	}
}

func TestSaveThenTryGetRoundTrip(t *testing.T) {
	c, _, _ := testCache(t)
	ctx := context.Background()
	msgs := history("what is the capital of France?")

	key, hit := c.TryGet(ctx, 1, msgs)
	if hit != nil {
		t.Fatal("expected initial miss")
	}

	saved := Entry{
		Messages:     []conversation.Message{{Role: conversation.RoleModel, Text: "Paris"}},
		InputTokens:  9,
		OutputTokens: 2,
	}
	c.Save(ctx, 1, key, saved)

	_, got := c.TryGet(ctx, 1, msgs)
	if got == nil {
		t.Fatal("expected hit after save")
	}
	if got.Messages[0].Text != "Paris" || got.InputTokens != 9 || got.OutputTokens != 2 {
		t.Fatalf("entry mutated through the cache: %+v", got)
	}
}

func TestTryGetScopedByTech(t *testing.T) {
	c, _, _ := testCache(t)
	ctx := context.Background()
	msgs := history("same prompt")

	key, _ := c.TryGet(ctx, 1, msgs)
	c.Save(ctx, 1, key, Entry{Messages: history("same prompt", "answer for tech 1")})

	if _, hit := c.TryGet(ctx, 2, msgs); hit != nil {
		t.Fatal("tech 2 must not see tech 1's entry")
	}
}

func TestDurableHitRepopulatesFront(t *testing.T) {
	c, durable, mr := testCache(t)
	ctx := context.Background()
	msgs := history("prompt")

	key, _ := c.TryGet(ctx, 1, msgs)
	c.Save(ctx, 1, key, Entry{Messages: history("prompt", "pong")})

	// drop the redis front; the durable layer must still answer
	mr.FlushAll()
	_, hit := c.TryGet(ctx, 1, msgs)
	if hit == nil {
		t.Fatal("expected durable hit after front flush")
	}
	if !mr.Exists("chatgate:llmcache:1:" + key) {
		t.Fatal("front not repopulated after durable hit")
	}
	if durable.saves != 1 {
		t.Fatalf("durable layer saved %d times, want 1", durable.saves)
	}
}

func TestRedisDownDegradesToDurable(t *testing.T) {
	c, _, mr := testCache(t)
	ctx := context.Background()
	msgs := history("prompt")

	key, _ := c.TryGet(ctx, 1, msgs)
	c.Save(ctx, 1, key, Entry{Messages: history("prompt", "pong")})

	mr.Close()
	if _, hit := c.TryGet(ctx, 1, msgs); hit == nil {
		t.Fatal("expected durable hit while redis is down")
	}
}
