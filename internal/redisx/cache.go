package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-ledger/internal/orders"
)

// setSummary stores a summary hash unless the cached one is newer.
// KEYS[1] summary key; ARGV version (updated_at, unix micros), payload, ttl ms.
var setSummary = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 's', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SummaryCache holds read-side order summaries. Stock figures are never
// cached; only the order projection is. An entry is versioned by the order's
// updated_at, so a late write of an older read never replaces a newer one.
type SummaryCache struct {
	rdb redis.Cmdable
}

func NewSummaryCache(rdb redis.Cmdable) *SummaryCache {
	return &SummaryCache{rdb: rdb}
}

func (c *SummaryCache) Get(ctx context.Context, orderID int64) (orders.Summary, bool, error) {
	b, err := c.rdb.HGet(ctx, fmt.Sprintf(KeyOrderSummary, orderID), "s").Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Summary{}, false, nil
	}
	if err != nil {
		return orders.Summary{}, false, err
	}
	var s orders.Summary
	if err := json.Unmarshal(b, &s); err != nil {
		// a corrupt entry is a miss
		_ = c.Invalidate(ctx, orderID)
		return orders.Summary{}, false, nil
	}
	return s, true, nil
}

func (c *SummaryCache) Set(ctx context.Context, s orders.Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(KeyOrderSummary, s.OrderID)
	return setSummary.Run(ctx, c.rdb, []string{key}, s.UpdatedAt.UnixMicro(), b, TTLSummaryCache.Milliseconds()).Err()
}

func (c *SummaryCache) Invalidate(ctx context.Context, orderID int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderSummary, orderID)).Err()
}

// IdempotencyIndex maps a client idempotency key to the order it created.
// It is a fast path only; the unique external_id column is authoritative.
type IdempotencyIndex struct {
	rdb redis.Cmdable
}

func NewIdempotencyIndex(rdb redis.Cmdable) *IdempotencyIndex {
	return &IdempotencyIndex{rdb: rdb}
}

func (i *IdempotencyIndex) Lookup(ctx context.Context, key string) (int64, bool, error) {
	v, err := i.rdb.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

func (i *IdempotencyIndex) Remember(ctx context.Context, key string, orderID int64) error {
	return i.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, key), orderID, TTLIdempotency).Err()
}

// Deduper records processed event ids for one consuming service.
type Deduper struct {
	rdb     redis.Cmdable
	service string
}

func NewDeduper(rdb redis.Cmdable, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service}
}

// Claim reports true the first time eventID is seen.
func (d *Deduper) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.service, eventID), 1, TTLDedup).Result()
}

// Forget drops a claim so a failed event can be processed again.
func (d *Deduper) Forget(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.service, eventID)).Err()
}
