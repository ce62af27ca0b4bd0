package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "session:1", []byte(`{"user":"a"}`), time.Minute))
	val, ok, err := s.Get(ctx, "session:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"user":"a"}`, string(val))

	require.NoError(t, s.Delete(ctx, "session:1", "session:2"))
	_, ok, err = s.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	exerciseStore(t, m)
}

func TestMemoryStoreExpires(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(context.Background(), "k", []byte("v"), time.Second))
	now = now.Add(2 * time.Second)
	_, ok, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	r := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))
	exerciseStore(t, r)

	require.NoError(t, r.Set(context.Background(), "ttl", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)
	_, ok, err := r.Get(context.Background(), "ttl")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("ttl"))
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer s.Close()
	_, isMemory := s.(*Memory)
	assert.True(t, isMemory)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	s2, err := New("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer s2.Close()
	_, isRedis := s2.(*Redis)
	assert.True(t, isRedis)

	_, err = New("::not a url")
	assert.Error(t, err)
}
