package cache

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(&config.LoggingConfig{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

type blockSet map[string]struct{}

func (b blockSet) IsBlocked(domain string) bool {
	_, ok := b[domain]
	return ok
}

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration, blocked BlockChecker, clock *fakeClock) *Cache {
	t.Helper()
	c, err := New(&config.CacheConfig{MaxEntries: maxEntries}, ttl, blocked, testLogger(t), WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	logger := testLogger(t)

	tests := []struct {
		cfg     *config.CacheConfig
		logger  *logging.Logger
		name    string
		ttl     time.Duration
		wantErr bool
	}{
		{name: "valid", cfg: &config.CacheConfig{MaxEntries: 10}, logger: logger, ttl: time.Minute},
		{name: "nil config", cfg: nil, logger: logger, ttl: time.Minute, wantErr: true},
		{name: "nil logger", cfg: &config.CacheConfig{MaxEntries: 10}, logger: nil, ttl: time.Minute, wantErr: true},
		{name: "zero entries", cfg: &config.CacheConfig{MaxEntries: 0}, logger: logger, ttl: time.Minute, wantErr: true},
		{name: "zero ttl", cfg: &config.CacheConfig{MaxEntries: 10}, logger: logger, ttl: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.ttl, nil, tt.logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreAndLookup(t *testing.T) {
	c := newTestCache(t, 100, 60*time.Second, nil, newFakeClock())

	require.NoError(t, c.Store("example.com", "93.184.216.34"))

	ip, ok := c.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), ip)

	// Keys are normalized on both sides.
	ip, ok = c.Lookup("Example.COM.")
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", ip.String())

	_, ok = c.Lookup("other.example.com")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.Equal(t, 1, stats.Entries)
}

func TestLookup_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	ttl := 60 * time.Second
	c := newTestCache(t, 100, ttl, nil, clock)

	require.NoError(t, c.Store("example.com", "93.184.216.34"))

	_, ok := c.Lookup("example.com")
	assert.True(t, ok, "hit at T")

	clock.Advance(ttl - time.Nanosecond)
	_, ok = c.Lookup("example.com")
	assert.True(t, ok, "hit just before T+ttl")

	clock.Advance(time.Nanosecond)
	_, ok = c.Lookup("example.com")
	assert.False(t, ok, "miss exactly at T+ttl")

	clock.Advance(time.Second)
	_, ok = c.Lookup("example.com")
	assert.False(t, ok, "miss after T+ttl")
}

func TestStore_Overwrite(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 100, 60*time.Second, nil, clock)

	require.NoError(t, c.Store("example.com", "192.0.2.1"))
	clock.Advance(30 * time.Second)
	require.NoError(t, c.Store("example.com", "192.0.2.2"))

	ip, ok := c.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.2", ip.String())

	// The overwrite restarted the TTL.
	clock.Advance(45 * time.Second)
	_, ok = c.Lookup("example.com")
	assert.True(t, ok)
}

func TestStore_RejectsBlocked(t *testing.T) {
	c := newTestCache(t, 100, time.Minute, blockSet{"ads.blocked-example.com": {}}, newFakeClock())

	err := c.Store("ADS.blocked-example.com.", "192.0.2.1")
	assert.ErrorIs(t, err, ErrBlocked)

	_, ok := c.Lookup("ads.blocked-example.com")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Rejected)
}

func TestStore_RejectsInvalidIP(t *testing.T) {
	c := newTestCache(t, 100, time.Minute, nil, newFakeClock())

	for _, ip := range []string{"", "not-an-ip", "2001:db8::1", "::ffff:192.0.2.1", "256.1.1.1", "192.0.2"} {
		t.Run(ip, func(t *testing.T) {
			err := c.Store("example.com", ip)
			assert.True(t, errors.Is(err, ErrInvalidIP), "Store(%q) = %v", ip, err)
		})
	}

	_, ok := c.Lookup("example.com")
	assert.False(t, ok)
}

func TestStore_InvalidIPKeepsExistingEntry(t *testing.T) {
	c := newTestCache(t, 100, time.Minute, nil, newFakeClock())

	require.NoError(t, c.Store("example.com", "192.0.2.1"))
	require.Error(t, c.Store("example.com", "bogus"))

	ip, ok := c.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", ip.String())
}

func TestCapacityBound(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, nil, newFakeClock())

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Store(fmt.Sprintf("host%d.example.com", i), "192.0.2.1"))
	}

	assert.LessOrEqual(t, c.Len(), 10)
	_, ok := c.Lookup("host99.example.com")
	assert.True(t, ok, "most recent entry survives eviction")
	_, ok = c.Lookup("host0.example.com")
	assert.False(t, ok, "oldest entry was evicted")
}

func TestClear(t *testing.T) {
	c := newTestCache(t, 10, time.Hour, nil, newFakeClock())
	require.NoError(t, c.Store("example.com", "192.0.2.1"))

	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Lookup("example.com")
	assert.False(t, ok)
}

func TestConcurrentSameKey(t *testing.T) {
	c := newTestCache(t, 100, time.Hour, nil, newFakeClock())

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("192.0.2.%d", i+1)
			for j := 0; j < 100; j++ {
				_ = c.Store("example.com", ip)
				_, _ = c.Lookup("example.com")
			}
		}(i)
	}
	wg.Wait()

	// Whatever the interleaving, the survivor is one of the written values.
	ip, ok := c.Lookup("example.com")
	require.True(t, ok)
	last := ip.As4()[3]
	assert.GreaterOrEqual(t, int(last), 1)
	assert.LessOrEqual(t, int(last), workers)
	assert.Equal(t, 1, c.Len())
}

func BenchmarkLookup(b *testing.B) {
	c, err := New(&config.CacheConfig{MaxEntries: 1000}, time.Hour, nil, logging.NewDiscard())
	if err != nil {
		b.Fatal(err)
	}
	_ = c.Store("example.com", "192.0.2.1")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = c.Lookup("example.com")
		}
	})
}
