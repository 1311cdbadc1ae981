package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKey_Format(t *testing.T) {
	key, err := Key("srv-1", "search", map[string]any{"q": "cats"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "mcp:cache:srv-1:search:"))
	digest := strings.TrimPrefix(key, "mcp:cache:srv-1:search:")
	assert.Len(t, digest, 64)
}

func TestKey_IgnoresKeyOrder(t *testing.T) {
	a := map[string]any{
		"query": "cats",
		"opts":  map[string]any{"limit": 10, "lang": "en", "tags": []any{"x", map[string]any{"b": 1, "a": 2}}},
	}
	b := map[string]any{
		"opts":  map[string]any{"tags": []any{"x", map[string]any{"a": 2, "b": 1}}, "lang": "en", "limit": 10},
		"query": "cats",
	}

	ka, err := Key("s", "t", a)
	require.NoError(t, err)
	kb, err := Key("s", "t", b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestKey_Distinguishes(t *testing.T) {
	base, err := Key("s", "t", map[string]any{"q": "cats"})
	require.NoError(t, err)

	for name, other := range map[string]func() (string, error){
		"different value":  func() (string, error) { return Key("s", "t", map[string]any{"q": "dogs"}) },
		"different tool":   func() (string, error) { return Key("s", "u", map[string]any{"q": "cats"}) },
		"different server": func() (string, error) { return Key("r", "t", map[string]any{"q": "cats"}) },
		"array order":      func() (string, error) { return Key("s", "t", map[string]any{"q": []any{"cats"}}) },
	} {
		k, err := other()
		require.NoError(t, err, name)
		assert.NotEqual(t, base, k, name)
	}
}

func TestCanonical_NormalisesNumbers(t *testing.T) {
	a, err := Canonical(map[string]any{"n": 1.0, "big": int64(1) << 60, "f": 2.5})
	require.NoError(t, err)
	b, err := Canonical(map[string]any{"f": 2.5, "n": 1, "big": int64(1) << 60})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"big":1152921504606846976,"f":2.5,"n":1}`, string(a))
}

func TestMemoryStore_SetGet(t *testing.T) {
	m := NewMemoryStore(10)
	defer m.Close()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", []byte("v1"), time.Minute))
	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), got)

	// Returned slices are copies
	got[0] = 'X'
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("v1"), again)
}

func TestMemoryStore_Expiry(t *testing.T) {
	m := NewMemoryStore(10)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len(), "expired entry is removed on read")
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMemoryStore(2)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Minute))

	// Touch a so b becomes the eviction candidate
	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, m.Set(ctx, "c", []byte("3"), time.Minute))
	assert.Equal(t, 2, m.Len())

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = m.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryStore_RemoveExpired(t *testing.T) {
	m := NewMemoryStore(10)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("x"), time.Millisecond))
	require.NoError(t, m.Set(ctx, "long", []byte("y"), time.Hour))
	time.Sleep(5 * time.Millisecond)

	m.removeExpired()
	assert.Equal(t, 1, m.Len())
}

func TestMemoryStore_Close(t *testing.T) {
	m := NewMemoryStore(10)
	ctx := context.Background()

	require.NoError(t, m.Ping(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	assert.Error(t, m.Ping(ctx))
	assert.Error(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, _, err := m.Get(ctx, "k")
	assert.Error(t, err)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	m := NewMemoryStore(50)
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + (i+j)%26))
				_ = m.Set(ctx, key, []byte{byte(j)}, time.Minute)
				_, _, _ = m.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 50)
}

// failingStore errors on every call.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("backend down")
}
func (failingStore) Ping(ctx context.Context) error { return errors.New("backend down") }
func (failingStore) Close() error                   { return nil }

func TestResponseCache_RoundTrip(t *testing.T) {
	m := NewMemoryStore(10)
	rc := NewResponseCache(m, time.Minute, discardLogger())
	defer rc.Close()
	ctx := context.Background()
	args := map[string]any{"q": "cats"}

	_, ok := rc.Get(ctx, "srv", "search", args)
	assert.False(t, ok)

	rc.Set(ctx, "srv", "search", args, map[string]any{"results": []any{"a", "b"}})

	out, ok := rc.Get(ctx, "srv", "search", map[string]any{"q": "cats"})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"results": []any{"a", "b"}}, out)
}

func TestResponseCache_StoreErrorsAreMisses(t *testing.T) {
	rc := NewResponseCache(failingStore{}, 0, discardLogger())
	ctx := context.Background()

	rc.Set(ctx, "srv", "t", nil, "value")
	_, ok := rc.Get(ctx, "srv", "t", nil)
	assert.False(t, ok)
	assert.Equal(t, DefaultTTL, rc.ttl)
}

func TestResponseCache_UndecodableIsMiss(t *testing.T) {
	m := NewMemoryStore(10)
	defer m.Close()
	rc := NewResponseCache(m, time.Minute, discardLogger())
	ctx := context.Background()

	key, err := Key("srv", "t", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, key, []byte("{not json"), time.Minute))

	_, ok := rc.Get(ctx, "srv", "t", map[string]any{})
	assert.False(t, ok)
}

func TestOpen_Backends(t *testing.T) {
	s, err := Open(Options{Backend: BackendMemory, MaxEntries: 5})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(Options{Backend: "memcached"})
	assert.Error(t, err)

	_, err = Open(Options{Backend: BackendRedis})
	assert.Error(t, err, "redis requires a url")

	_, err = Open(Options{Backend: BackendRedis, RedisURL: "not-a-url"})
	assert.Error(t, err)
}

func TestRedisStore_Unreachable(t *testing.T) {
	s, err := NewRedisStore("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, s.Ping(ctx))

	rc := NewResponseCache(s, time.Minute, discardLogger())
	_, ok := rc.Get(ctx, "srv", "t", nil)
	assert.False(t, ok, "an unreachable redis degrades to a miss")
}
