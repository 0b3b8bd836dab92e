// Package leaderboard keeps a Redis sorted set of customers by lifetime
// spend, fed by the loyalty change feed, for the ranking page.
package leaderboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

const DefaultKey = "loyalty:leaderboard"

// zsetClient is the part of *redis.Client the board uses.
type zsetClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Entry is one leaderboard row. Spend is the float score and only orders rows.
type Entry struct {
	CustomerID loyalty.CustomerID
	Spend      decimal.Decimal
}

// Board implements loyalty.Publisher over a Redis sorted set.
//
// Scores are float64, so the board is for ordering only; spend shown to
// users comes from the ledger store.
type Board struct {
	client zsetClient
	key    string
}

func New(client zsetClient, key string) *Board {
	if key == "" {
		key = DefaultKey
	}
	return &Board{client: client, key: key}
}

// Connect builds a Redis client from a redis:// URL or host:port and checks
// that it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Publish records the customer's new spend. Rating events are ignored.
func (b *Board) Publish(ctx context.Context, e loyalty.Event) error {
	if e.Customer == nil {
		return nil
	}
	score, _ := e.Customer.LifetimeSpend.Float64()
	member := redis.Z{Score: score, Member: string(e.Customer.CustomerID)}
	if err := b.client.ZAdd(ctx, b.key, member).Err(); err != nil {
		return fmt.Errorf("leaderboard update for %s: %w", e.Customer.CustomerID, err)
	}
	return nil
}

// Top returns up to limit entries, highest spend first.
func (b *Board) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	zs, err := b.client.ZRevRangeWithScores(ctx, b.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard read: %w", err)
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Entry{CustomerID: loyalty.CustomerID(id), Spend: decimal.NewFromFloat(z.Score)})
	}
	return out, nil
}

// Rebuild replaces the board with the given customers, e.g. at startup.
func (b *Board) Rebuild(ctx context.Context, customers []loyalty.Customer) error {
	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("leaderboard reset: %w", err)
	}
	if len(customers) == 0 {
		return nil
	}
	members := make([]redis.Z, len(customers))
	for i, c := range customers {
		score, _ := c.LifetimeSpend.Float64()
		members[i] = redis.Z{Score: score, Member: string(c.ID)}
	}
	if err := b.client.ZAdd(ctx, b.key, members...).Err(); err != nil {
		return fmt.Errorf("leaderboard rebuild: %w", err)
	}
	return nil
}
