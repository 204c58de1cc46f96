package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const creditVersionKeyFmt = "credits:version:%s"

// Cache wraps Redis based caching of derived credit balances. Invalidation
// bumps a per-patient version instead of deleting keys, so a concurrent
// reader can never resurrect a stale balance.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) version(ctx context.Context, patientID uuid.UUID) (int64, error) {
	key := fmt.Sprintf(creditVersionKeyFmt, patientID)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *Cache) balanceKey(ctx context.Context, patientID uuid.UUID) (string, error) {
	ver, err := c.version(ctx, patientID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("credits:balance:%s:%d", patientID, ver), nil
}

// Get loads a cached balance. The second return reports a hit.
func (c *Cache) Get(ctx context.Context, patientID uuid.UUID) (CreditBalance, bool, error) {
	if c == nil || c.client == nil {
		return CreditBalance{}, false, nil
	}
	key, err := c.balanceKey(ctx, patientID)
	if err != nil {
		return CreditBalance{}, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CreditBalance{}, false, nil
	}
	if err != nil {
		return CreditBalance{}, false, err
	}
	var balance CreditBalance
	if err := json.Unmarshal(payload, &balance); err != nil {
		return CreditBalance{}, false, err
	}
	return balance, true, nil
}

// Set stores a balance under the current version with the configured TTL.
func (c *Cache) Set(ctx context.Context, balance CreditBalance) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.balanceKey(ctx, balance.PatientID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}

// Invalidate bumps the patient's version so the next read misses.
func (c *Cache) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, fmt.Sprintf(creditVersionKeyFmt, patientID)).Err()
}
