package trigger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/axion-labs/plancore/pkg/store"
)

// Dedup answers whether a webhook event id was already accepted inside
// the window, recording it when new.
type Dedup interface {
	Seen(ctx context.Context, eventID string, window time.Duration) (bool, error)
}

// RedisDedup uses SetNX with a TTL: the first writer wins, the TTL is
// the sliding window.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup wraps an existing client.
func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client, prefix: "plancore:webhook:"}
}

func (d *RedisDedup) Seen(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+eventID, 1, window).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// StoreDedup falls back to the run store when no Redis is configured.
type StoreDedup struct {
	store *store.Store
}

func NewStoreDedup(st *store.Store) *StoreDedup { return &StoreDedup{store: st} }

func (d *StoreDedup) Seen(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	return d.store.SeenWebhookEvent(ctx, eventID, window)
}
