package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// MemoryOptions tunes the in-process store.
type MemoryOptions struct {
	// MaxTrackedClients caps the table. When a shard is full, rolled-over
	// windows are dropped first, then the live client with the fewest
	// requests. A client that has hit the limit is never evicted.
	MaxTrackedClients int
	// CleanupInterval controls how often rolled-over windows are dropped.
	// Zero disables the sweeper.
	CleanupInterval time.Duration
	// Now replaces time.Now.
	Now func() time.Time
}

// MemoryStore keeps per-client windows in a sharded map. Check-and-increment
// happens under the shard lock, so it is atomic per client.
type MemoryStore struct {
	shards   [shardCount]memoryShard
	limit    int
	window   time.Duration
	perShard int
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type memoryShard struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	start time.Time
	count int
}

// NewMemoryStore creates a store admitting limit requests per window.
func NewMemoryStore(limit int, window time.Duration, opts MemoryOptions) *MemoryStore {
	s := &MemoryStore{
		limit:  limit,
		window: window,
		now:    opts.Now,
		stopCh: make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.MaxTrackedClients > 0 {
		s.perShard = opts.MaxTrackedClients / shardCount
		if s.perShard < 1 {
			s.perShard = 1
		}
	}
	for i := range s.shards {
		s.shards[i].clients = make(map[string]*clientWindow)
	}

	if opts.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(opts.CleanupInterval)
	}

	return s
}

// Admit implements Store.
func (s *MemoryStore) Admit(_ context.Context, key string) (bool, error) {
	now := s.now()
	shard := s.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.clients[key]
	if !ok {
		if s.perShard > 0 && len(shard.clients) >= s.perShard &&
			!shard.makeRoomLocked(now, s.window, s.limit) {
			// Every tracked client is at its limit. Admit the newcomer
			// untracked rather than free a denied slot.
			return true, nil
		}
		shard.clients[key] = &clientWindow{start: now, count: 1}
		return true, nil
	}

	if windowExpired(now, w.start, s.window) {
		w.start = now
		w.count = 1
		return true, nil
	}

	if w.count < s.limit {
		w.count++
		return true, nil
	}

	return false, nil
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].clients)
		s.shards[i].mu.Unlock()
	}
	return n
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup drops clients whose window has rolled over. Such a client would be
// reset on its next request anyway.
func (s *MemoryStore) cleanup() {
	now := s.now()
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, w := range shard.clients {
			if windowExpired(now, w.start, s.window) {
				delete(shard.clients, key)
			}
		}
		shard.mu.Unlock()
	}
}

// makeRoomLocked frees at least one slot and reports whether it could.
func (sh *memoryShard) makeRoomLocked(now time.Time, window time.Duration, limit int) bool {
	freed := false
	for key, w := range sh.clients {
		if windowExpired(now, w.start, window) {
			delete(sh.clients, key)
			freed = true
		}
	}
	if freed {
		return true
	}

	var victim string
	var lowest *clientWindow
	for key, w := range sh.clients {
		if w.count >= limit {
			continue
		}
		if lowest == nil || w.count < lowest.count ||
			(w.count == lowest.count && w.start.Before(lowest.start)) {
			victim, lowest = key, w
		}
	}
	if lowest == nil {
		return false
	}
	delete(sh.clients, victim)
	return true
}
