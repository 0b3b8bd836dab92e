package leaderboard

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

// fakeZSet is an in-memory sorted set speaking the zsetClient subset.
type fakeZSet struct {
	sets map[string]map[string]float64
	err  error
}

func newFakeZSet() *fakeZSet { return &fakeZSet{sets: make(map[string]map[string]float64)} }

func (f *fakeZSet) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]float64)
		f.sets[key] = set
	}
	var added int64
	for _, m := range members {
		id := m.Member.(string)
		if _, exists := set[id]; !exists {
			added++
		}
		set[id] = m.Score
	}
	cmd.SetVal(added)
	return cmd
}

func (f *fakeZSet) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	cmd := redis.NewZSliceCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var zs []redis.Z
	for id, score := range f.sets[key] {
		zs = append(zs, redis.Z{Score: score, Member: id})
	}
	sort.Slice(zs, func(i, j int) bool {
		if zs[i].Score != zs[j].Score {
			return zs[i].Score > zs[j].Score
		}
		return zs[i].Member.(string) > zs[j].Member.(string)
	})
	if int(start) >= len(zs) {
		cmd.SetVal(nil)
		return cmd
	}
	end := int(stop) + 1
	if end > len(zs) {
		end = len(zs)
	}
	cmd.SetVal(zs[start:end])
	return cmd
}

func (f *fakeZSet) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func customerEvent(id string, spend int64) loyalty.Event {
	return loyalty.CustomerEvent(loyalty.Customer{ID: loyalty.CustomerID(id), LifetimeSpend: loyalty.Money(spend)})
}

func TestBoard_PublishAndTop(t *testing.T) {
	// GIVEN: Customer events for three customers, one updated twice
	// WHEN: Reading the top two
	// THEN: Highest latest spend first
	z := newFakeZSet()
	b := New(z, "")
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, customerEvent("alice", 500)))
	require.NoError(t, b.Publish(ctx, customerEvent("bob", 9000)))
	require.NoError(t, b.Publish(ctx, customerEvent("carol", 1200)))
	require.NoError(t, b.Publish(ctx, customerEvent("alice", 20000)))

	top, err := b.Top(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, loyalty.CustomerID("alice"), top[0].CustomerID)
	assert.True(t, top[0].Spend.Equal(loyalty.Money(20000)))
	assert.Equal(t, loyalty.CustomerID("bob"), top[1].CustomerID)

	assert.Contains(t, z.sets, DefaultKey)
}

func TestBoard_IgnoresRatingEvents(t *testing.T) {
	z := newFakeZSet()
	b := New(z, "board")
	require.NoError(t, b.Publish(context.Background(), loyalty.RatingEvent(loyalty.Service{ID: "svc"})))
	assert.Empty(t, z.sets)
}

func TestBoard_Rebuild(t *testing.T) {
	z := newFakeZSet()
	b := New(z, "board")
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, customerEvent("stale", 99999)))

	err := b.Rebuild(ctx, []loyalty.Customer{
		{ID: "a", LifetimeSpend: loyalty.Money(10)},
		{ID: "b", LifetimeSpend: loyalty.Money(30)},
	})
	require.NoError(t, err)

	top, err := b.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, loyalty.CustomerID("b"), top[0].CustomerID)

	require.NoError(t, b.Rebuild(ctx, nil))
	top, err = b.Top(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestBoard_Errors(t *testing.T) {
	z := newFakeZSet()
	z.err = errors.New("connection refused")
	b := New(z, "board")
	ctx := context.Background()

	assert.ErrorContains(t, b.Publish(ctx, customerEvent("alice", 1)), "connection refused")
	_, err := b.Top(ctx, 5)
	assert.ErrorContains(t, err, "connection refused")

	top, err := b.Top(ctx, 0)
	assert.NoError(t, err)
	assert.Nil(t, top)
}
