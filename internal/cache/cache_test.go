package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, Key("m", 0, "Go"), Key("m", 0, "Go"))
	assert.NotEqual(t, Key("m", 0, "Go"), Key("other", 0, "Go"))
	assert.NotEqual(t, Key("m", 0, "Go"), Key("m", 0, "Go "))
	assert.NotEqual(t, Key("m", 768, "Go"), Key("m", 256, "Go"))
	assert.NotEqual(t, Key("ab", 0, "c"), Key("a", 0, "bc"))
}

func TestCodec(t *testing.T) {
	vec := []float32{1.5, -2, 0, 3.25}
	got, err := decode(encode(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	require.NoError(t, m.Set(ctx, "a", []float32{1}))
	require.NoError(t, m.Set(ctx, "b", []float32{2}))

	_, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Set(ctx, "c", []float32{3}))
	assert.Equal(t, 2, m.Len())

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok, "b was least recently used")

	vec, ok, _ := m.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, vec)

	vec[0] = 42
	again, _, _ := m.Get(ctx, "a")
	assert.Equal(t, []float32{1}, again, "callers must not alias cached vectors")
}

func TestMemoryOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	require.NoError(t, m.Set(ctx, "a", []float32{1}))
	require.NoError(t, m.Set(ctx, "a", []float32{2}))
	assert.Equal(t, 1, m.Len())

	vec, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{2}, vec)
}

func TestRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	r, err := NewRedis(ctx, RedisConfig{Address: mr.Addr(), TTL: time.Hour})
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", []float32{0.5, 1}))

	vec, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 1}, vec)

	assert.True(t, mr.Exists("resume-matcher:embedding:k"))
	assert.Equal(t, time.Hour, mr.TTL("resume-matcher:embedding:k"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire after ttl")

	require.NoError(t, mr.Set("resume-matcher:embedding:bad", "xyz"))
	_, _, err = r.Get(ctx, "bad")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedis(context.Background(), RedisConfig{Address: addr})
	require.Error(t, err)
}

func TestBadger(t *testing.T) {
	ctx := context.Background()
	b, err := NewBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", []float32{3, 4}))

	vec, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{3, 4}, vec)
}

func TestBadgerOnDiskSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewBadger(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", []float32{7}))
	require.NoError(t, b.Close())

	b, err = NewBadger(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	defer b.Close()

	vec, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{7}, vec)

	_, err = NewBadger(BadgerConfig{})
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Set(context.Background(), "k", []float32{1}))
	_, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
