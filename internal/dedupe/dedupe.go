// Package dedupe drops webhook redeliveries using a Redis SETNX claim.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Guard struct {
	rdb client
	ttl time.Duration
}

func New(rdb client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Open connects and pings. Callers skip dedupe entirely when addr is empty.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func Key(body []byte) string {
	sum := sha256.Sum256(body)
	return "webhook:" + hex.EncodeToString(sum[:])
}

// Claim reports true the first time body is seen within the TTL.
func (g *Guard) Claim(ctx context.Context, body []byte) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, Key(body), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe claim: %w", err)
	}
	return ok, nil
}

// Release drops a claim so a redelivery is processed again.
func (g *Guard) Release(ctx context.Context, body []byte) error {
	if err := g.rdb.Del(ctx, Key(body)).Err(); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}
