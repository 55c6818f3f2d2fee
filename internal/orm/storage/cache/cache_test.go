package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/persist/internal/hellojpa"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/storage/memstore"
)

type fixture struct {
	mr     *miniredis.Miniredis
	store  *memstore.Store
	cache  *Gateway
	member *schema.EntityDescriptor
	team   *schema.EntityDescriptor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry, err := hellojpa.Registry()
	require.NoError(t, err)
	member, err := registry.Describe(hellojpa.MemberEntity)
	require.NoError(t, err)
	team, err := registry.Describe(hellojpa.TeamEntity)
	require.NoError(t, err)

	store := memstore.New(registry)
	return &fixture{
		mr:     mr,
		store:  store,
		cache:  New(store, client, Config{TTL: time.Minute, Prefix: "test:"}, nil),
		member: member,
		team:   team,
	}
}

var _ storage.Gateway = (*Gateway)(nil)

func TestCache_ReadThrough(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	teamKey, err := f.store.Insert(ctx, f.team, storage.Row{"name": "teamA", "created_date": created})
	require.NoError(t, err)
	memberKey, err := f.store.Insert(ctx, f.member, storage.Row{"name": "member1", "TEAM_ID": teamKey})
	require.NoError(t, err)
	f.store.ResetStats()

	first, err := f.cache.SelectByKey(ctx, f.member, memberKey)
	require.NoError(t, err)
	second, err := f.cache.SelectByKey(ctx, f.member, memberKey)
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.Stats().Selects, "the second read is served from redis")
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, f.cache.Stats())
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), second["TEAM_ID"])
	assert.True(t, f.mr.Exists("test:Member:1"))
	assert.Equal(t, time.Minute, f.mr.TTL("test:Member:1"))

	row, err := f.cache.SelectByKey(ctx, f.team, teamKey)
	require.NoError(t, err)
	row, err = f.cache.SelectByKey(ctx, f.team, teamKey)
	require.NoError(t, err)
	assert.True(t, created.Equal(row["created_date"].(time.Time)), "timestamps survive the JSON round trip")
}

func TestCache_MissingRowIsNotCached(t *testing.T) {
	f := setup(t)

	row, err := f.cache.SelectByKey(context.Background(), f.team, int64(99))
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Empty(t, f.mr.Keys())
}

func TestCache_CommittedWritesInvalidate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.cache.Insert(ctx, f.team, storage.Row{"name": "teamA"})
	require.NoError(t, err)
	_, err = f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)
	require.True(t, f.mr.Exists("test:Team:1"))

	tx, err := f.cache.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, f.team, key, storage.Row{"name": "renamed"}))
	assert.True(t, f.mr.Exists("test:Team:1"), "invalidation waits for commit")
	require.NoError(t, tx.Commit())
	assert.False(t, f.mr.Exists("test:Team:1"))

	row, err := f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)
	assert.Equal(t, "renamed", row["name"])

	require.NoError(t, f.cache.Delete(ctx, f.team, key))
	assert.False(t, f.mr.Exists("test:Team:1"))
	row, err = f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCache_RolledBackWritesKeepEntry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.cache.Insert(ctx, f.team, storage.Row{"name": "teamA"})
	require.NoError(t, err)
	_, err = f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)

	tx, err := f.cache.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, f.team, key, storage.Row{"name": "renamed"}))
	require.NoError(t, tx.Rollback())

	assert.True(t, f.mr.Exists("test:Team:1"))
	row, err := f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)
	assert.Equal(t, "teamA", row["name"])
}

func TestCache_RedisDownFallsBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.store.Insert(ctx, f.team, storage.Row{"name": "teamA"})
	require.NoError(t, err)
	f.mr.Close()

	row, err := f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)
	assert.Equal(t, "teamA", row["name"])
}

func TestCache_Clear(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	key, err := f.store.Insert(ctx, f.team, storage.Row{"name": "teamA"})
	require.NoError(t, err)
	_, err = f.cache.SelectByKey(ctx, f.team, key)
	require.NoError(t, err)
	f.mr.Set("other:key", "x")

	require.NoError(t, f.cache.Clear(ctx))
	assert.Equal(t, []string{"other:key"}, f.mr.Keys())
}
