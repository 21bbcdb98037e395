package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDirectory connects to a local Redis and clears test keys. Tests that
// call this helper require a running Redis on localhost:6379.
func newTestDirectory(t *testing.T, server string) (*Directory, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, DirectoryPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewDirectory(client, server), client
}

func TestDirectory_RegisterAndLocate(t *testing.T) {
	d, client := newTestDirectory(t, "node-a")
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	require.NoError(t, d.Register(ctx, "test_u1", "c1", at))

	loc, err := d.Locate(ctx, "test_u1")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, "node-a", loc.Server)
	assert.Equal(t, "c1", loc.ConnID)
	assert.Equal(t, at.Unix(), loc.LastSeen)

	ttl, err := client.TTL(ctx, DirectoryPrefix+"test_u1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestDirectory_LocateMissing(t *testing.T) {
	d, _ := newTestDirectory(t, "node-a")

	loc, err := d.Locate(context.Background(), "test_missing")
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestDirectory_RemoveComparesConnection(t *testing.T) {
	d, _ := newTestDirectory(t, "node-a")
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, "test_u2", "c1", time.Now()))
	require.NoError(t, d.Register(ctx, "test_u2", "c2", time.Now()))

	removed, err := d.Remove(ctx, "test_u2", "c1")
	require.NoError(t, err)
	assert.False(t, removed)

	loc, err := d.Locate(ctx, "test_u2")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, "c2", loc.ConnID)

	removed, err = d.Remove(ctx, "test_u2", "c2")
	require.NoError(t, err)
	assert.True(t, removed)

	loc, err = d.Locate(ctx, "test_u2")
	require.NoError(t, err)
	assert.Nil(t, loc)
}
