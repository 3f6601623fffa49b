package cache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Balances is a read-through cache for the balance projection. The ledger
// invalidates after every mutation; a miss just falls back to the store, so
// the cache can only ever serve a value the server once held.
type Balances interface {
	Get(ctx context.Context, accountID int64) (int64, bool)
	Set(ctx context.Context, accountID, balance int64)
	InvalidateBalance(ctx context.Context, accountID int64)
}

type Noop struct{}

func (Noop) Get(context.Context, int64) (int64, bool) { return 0, false }
func (Noop) Set(context.Context, int64, int64)        {}
func (Noop) InvalidateBalance(context.Context, int64) {}

// Redis caches balances with a short TTL as a second line of defense
// against missed invalidations.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func balanceKey(accountID int64) string {
	return fmt.Sprintf("wallet:balance:%d", accountID)
}

func (r *Redis) Get(ctx context.Context, accountID int64) (int64, bool) {
	val, err := r.client.Get(ctx, balanceKey(accountID)).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.Printf("cache: get balance %d: %v", accountID, err)
		return 0, false
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return balance, true
}

func (r *Redis) Set(ctx context.Context, accountID, balance int64) {
	if err := r.client.Set(ctx, balanceKey(accountID), balance, r.ttl).Err(); err != nil {
		log.Printf("cache: set balance %d: %v", accountID, err)
	}
}

func (r *Redis) InvalidateBalance(ctx context.Context, accountID int64) {
	if err := r.client.Del(ctx, balanceKey(accountID)).Err(); err != nil {
		log.Printf("cache: invalidate balance %d: %v", accountID, err)
	}
}
