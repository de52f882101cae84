package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-inventory-engine/internal/engine"
)

// Cache keeps short-lived availability snapshots for read-heavy endpoints.
// Entries are advisory; holds are always decided by the store.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func availabilityKey(tierID uuid.UUID) string {
	return "avail:" + tierID.String()
}

// GetAvailability returns ok=false on a miss.
func (c *Cache) GetAvailability(ctx context.Context, tierID uuid.UUID) (engine.TierAvailability, bool, error) {
	val, err := c.client.Get(ctx, availabilityKey(tierID)).Bytes()
	if err == redis.Nil {
		return engine.TierAvailability{}, false, nil
	}
	if err != nil {
		return engine.TierAvailability{}, false, err
	}
	var av engine.TierAvailability
	if err := json.Unmarshal(val, &av); err != nil {
		return engine.TierAvailability{}, false, err
	}
	return av, true, nil
}

func (c *Cache) SetAvailability(ctx context.Context, av engine.TierAvailability, ttl time.Duration) error {
	data, err := json.Marshal(av)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(av.TierID), data, ttl).Err()
}

func (c *Cache) InvalidateTier(ctx context.Context, tierID uuid.UUID) error {
	return c.client.Del(ctx, availabilityKey(tierID)).Err()
}
