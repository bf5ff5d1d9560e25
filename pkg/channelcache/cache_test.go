package channelcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/brandonwnguyen/pixie/pkg/auth"
)

func dialNonBlocking(t *testing.T) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.DialContext(context.Background(), "127.0.0.1:0", DialOptions(time.Second, nil)...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// S5: add at t=0, get at t=50ms returns the same channel, cleanup at
// t=150ms (idle_grace=100ms) removes it, and a subsequent get returns nil.
func TestCache_S5_IdleEviction(t *testing.T) {
	c := New(100*time.Millisecond, nil)
	start := time.Now()
	c.now = func() time.Time { return start }

	conn := dialNonBlocking(t)
	c.Add("svc:1", conn)

	c.now = func() time.Time { return start.Add(50 * time.Millisecond) }
	got := c.Get("svc:1")
	assert.Same(t, conn, got)

	removed := c.Cleanup(start.Add(150 * time.Millisecond))
	assert.Equal(t, 1, removed)
	assert.Nil(t, c.Get("svc:1"))
}

func TestCache_GetAfterAddReturnsSameChannel(t *testing.T) {
	c := New(time.Minute, nil)
	conn := dialNonBlocking(t)
	c.Add("addr", conn)

	assert.Same(t, conn, c.Get("addr"))
	assert.Same(t, conn, c.Get("addr"), "repeated get without cleanup keeps returning the same channel")
}

func TestCache_GetMissingReturnsNil(t *testing.T) {
	c := New(time.Minute, nil)
	assert.Nil(t, c.Get("absent"))
}

func TestCache_CleanupSkipsLeasedEntries(t *testing.T) {
	c := New(time.Millisecond, nil)
	start := time.Now()
	c.now = func() time.Time { return start }

	conn := dialNonBlocking(t)
	c.Add("leased", conn)
	c.Lease("leased")

	removed := c.Cleanup(start.Add(time.Hour))
	assert.Equal(t, 0, removed, "a held lease blocks eviction")
	assert.Same(t, conn, c.Get("leased"))

	c.Release("leased")
	removed = c.Cleanup(start.Add(time.Hour))
	assert.Equal(t, 1, removed, "releasing the lease allows eviction on the next cleanup")
}

func TestCache_CleanupIgnoresFreshEntries(t *testing.T) {
	c := New(time.Hour, nil)
	start := time.Now()
	c.now = func() time.Time { return start }
	c.Add("fresh", dialNonBlocking(t))

	removed := c.Cleanup(start.Add(time.Minute))
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, c.Len())
}

func TestTokenCredentials_AttachesBearerToken(t *testing.T) {
	minter := auth.New([]byte("a-signing-key"), time.Minute)
	creds := tokenCredentials{minter: minter}

	md, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)

	require.Contains(t, md, "authorization")
	assert.True(t, strings.HasPrefix(md["authorization"], "bearer "))
	assert.False(t, creds.RequireTransportSecurity(), "channels dial insecure; the token is the only credential")
}

func TestTokenCredentials_MintsAFreshTokenPerCall(t *testing.T) {
	minter := auth.New([]byte("a-signing-key"), time.Minute)
	creds := tokenCredentials{minter: minter}

	first, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	second, err := creds.GetRequestMetadata(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first["authorization"], second["authorization"], "each jti is unique")
}

func TestDialOptions_AttachesCredentialsOnlyWhenMinterProvided(t *testing.T) {
	withoutMinter := DialOptions(time.Second, nil)
	minter := auth.New([]byte("a-signing-key"), time.Minute)
	withMinter := DialOptions(time.Second, minter)

	assert.Len(t, withoutMinter, 2)
	assert.Len(t, withMinter, 3, "a minter adds one WithPerRPCCredentials dial option")
}

func TestCache_DialAttachesCachesMinterCredentials(t *testing.T) {
	minter := auth.New([]byte("a-signing-key"), time.Minute)
	c := New(time.Minute, minter)

	conn, err := c.Dial(context.Background(), "127.0.0.1:0", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	assert.Same(t, conn, c.Get("127.0.0.1:0"))
}
