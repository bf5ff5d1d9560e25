// Package channelcache keeps a keyed pool of long-lived outbound gRPC
// channels, grounded on tapio's pipeline.GRPCClient dial parameters
// (google.golang.org/grpc/keepalive) but restructured around
// tapio's ConnectionManager's map+mutex idle-tracking shape rather than
// its pooled-connection-object shape, since the cache here holds bare
// *grpc.ClientConn handles keyed by address instead of per-stream state.
package channelcache

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/brandonwnguyen/pixie/pkg/auth"
)

// tokenCredentials implements credentials.PerRPCCredentials, minting a
// fresh bearer token for every outbound call rather than reusing one
// until it expires.
type tokenCredentials struct {
	minter *auth.Minter
}

func (t tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := t.minter.Mint()
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "bearer " + token}, nil
}

// RequireTransportSecurity is false because the cache's channels dial
// with insecure transport credentials; a minted bearer token is the
// request's only credential.
func (t tokenCredentials) RequireTransportSecurity() bool {
	return false
}

// DialOptions returns the keepalive-tuned dial options used for every
// channel in the cache: keepalive time and timeout, permit-without-calls,
// tuned for long-lived streaming connections. When minter is non-nil, an
// authorization header carrying a freshly minted bearer token is attached
// to every RPC made over the resulting channel.
func DialOptions(timeout time.Duration, minter *auth.Minter) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             timeout,
			PermitWithoutStream: true,
		}),
	}
	if minter != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(tokenCredentials{minter: minter}))
	}
	return opts
}

type entry struct {
	conn       *grpc.ClientConn
	lastUsedAt time.Time
	refCount   int32 // caller-held leases; cleanup skips entries still in use
}

// Cache is a keyed pool of *grpc.ClientConn with idle-based eviction. It
// does not dial on Get; callers must Add a channel before it can be
// retrieved.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	idleGrace time.Duration
	minter    *auth.Minter
	now       func() time.Time
}

// New constructs an empty Cache. idleGrace is how long an unused channel
// survives before Cleanup removes it. minter, if non-nil, is attached to
// every channel Dial opens so outbound RPCs carry a bearer token; pass
// nil to dial without per-RPC credentials.
func New(idleGrace time.Duration, minter *auth.Minter) *Cache {
	return &Cache{
		entries:   make(map[string]*entry),
		idleGrace: idleGrace,
		minter:    minter,
		now:       time.Now,
	}
}

// Get returns the cached channel for address, or nil if absent. It
// stamps last-used-at so a subsequent Cleanup treats it as freshly used.
func (c *Cache) Get(address string) *grpc.ClientConn {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[address]
	if !ok {
		return nil
	}
	e.lastUsedAt = c.now()
	return e.conn
}

// Lease returns the cached channel for address and, if present,
// increments its reference count so a concurrent Cleanup will skip it
// until Release is called. Callers holding a channel across a
// potentially long-running RPC should use Lease/Release instead of bare
// Get to avoid a race with Cleanup closing the channel underneath them.
func (c *Cache) Lease(address string) *grpc.ClientConn {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[address]
	if !ok {
		return nil
	}
	e.lastUsedAt = c.now()
	e.refCount++
	return e.conn
}

// Release drops a reference acquired via Lease.
func (c *Cache) Release(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[address]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
}

// Add inserts a channel for address, stamping last-used-at = now. A
// pre-existing entry for the same address is overwritten without being
// closed — callers are responsible for not leaking a conn they're
// discarding.
func (c *Cache) Add(address string, conn *grpc.ClientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[address] = &entry{conn: conn, lastUsedAt: c.now()}
}

// Dial dials address with the cache's keepalive-tuned, credential-bearing
// options, adds the resulting channel, and returns it.
func (c *Cache) Dial(ctx context.Context, address string, timeout time.Duration) (*grpc.ClientConn, error) {
	conn, err := grpc.DialContext(ctx, address, DialOptions(timeout, c.minter)...)
	if err != nil {
		return nil, err
	}
	c.Add(address, conn)
	return conn, nil
}

// Cleanup removes and closes every entry whose idle time has reached
// idleGrace, skipping entries with outstanding leases since eviction must
// not happen while the channel has outstanding work. It returns the
// number of entries removed.
func (c *Cache) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for addr, e := range c.entries {
		if e.refCount > 0 {
			continue
		}
		if now.Sub(e.lastUsedAt) >= c.idleGrace {
			e.conn.Close()
			delete(c.entries, addr)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
