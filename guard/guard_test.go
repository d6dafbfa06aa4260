package guard

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestInMemoryWindow(t *testing.T) {
	lim := NewInMemory(time.Minute)

	for i := 1; i <= 3; i++ {
		d := lim.Allow("id", 3)
		require.True(t, d.Allowed, "call %d should pass", i)
		require.Equal(t, i, d.Count)
	}

	// Every call past the threshold is rejected for the rest of the window.
	for i := 0; i < 5; i++ {
		d := lim.Allow("id", 3)
		require.False(t, d.Allowed)
		require.Equal(t, 0, d.Remaining)
	}

	d := lim.Allow("other", 3)
	require.True(t, d.Allowed)
}

func TestInMemoryWindowReset(t *testing.T) {
	lim := NewInMemory(40 * time.Millisecond)

	require.True(t, lim.Allow("id", 1).Allowed)
	require.False(t, lim.Allow("id", 1).Allowed)

	time.Sleep(60 * time.Millisecond)
	require.True(t, lim.Allow("id", 1).Allowed)
}

func TestInMemoryEvictsExpiredWindows(t *testing.T) {
	lim := NewInMemory(10 * time.Millisecond)
	for _, k := range []string{"a", "b", "c"} {
		lim.Allow(k, 1)
	}
	time.Sleep(20 * time.Millisecond)
	lim.Allow("d", 1)

	lim.mu.Lock()
	defer lim.mu.Unlock()
	require.Len(t, lim.items, 1)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, time.Minute)

	require.True(t, lim.Allow("id", 2).Allowed)
	require.True(t, lim.Allow("id", 2).Allowed)
	require.False(t, lim.Allow("id", 2).Allowed)

	mr.FastForward(2 * time.Minute)
	require.True(t, lim.Allow("id", 2).Allowed)
}

func TestRedisLimiterFallsBackWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	lim := NewRedis(client, time.Minute)
	require.True(t, lim.Allow("id", 1).Allowed)
	require.False(t, lim.Allow("id", 1).Allowed)
}

func TestIdentityKeyHidesInput(t *testing.T) {
	salt := []byte("process-salt")
	k1 := IdentityKey(salt, "acct-1")
	k2 := IdentityKey(salt, "acct-2")
	require.NotEqual(t, k1, k2)
	require.NotContains(t, k1, "acct")

	// Part boundaries matter: ("ab","c") and ("a","bc") must differ.
	require.NotEqual(t, IdentityKey(salt, "ab", "c"), IdentityKey(salt, "a", "bc"))

	// A different salt yields unrelated keys.
	require.NotEqual(t, k1, IdentityKey([]byte("other-salt"), "acct-1"))
}
