package counter

import (
	"context"
	"sort"
	"sync"
	"time"

	"quotaguard/internal/ratelimit/ports"
)

// sweepEvery is the number of writes between expired-key sweeps.
const sweepEvery = 1024

// InMemoryCounterStore implements ports.CounterStore within one process.
// It honours the same atomicity and TTL contract as the Redis store and is
// used for tests and single-instance deployments.
type InMemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	writes  int
}

type zmember struct {
	score int64
	id    string
}

// entry holds one key. Exactly one of zset, counter or value is in use.
type entry struct {
	zset      []zmember // ascending by score
	counter   int64
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type MemoryOption func(*InMemoryCounterStore)

// WithClock sets the clock used for key expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryCounterStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryCounterStore creates an empty store.
func NewInMemoryCounterStore(opts ...MemoryOption) *InMemoryCounterStore {
	s := &InMemoryCounterStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.CounterStore = (*InMemoryCounterStore)(nil)

// SlidingWindowAdd prunes, counts and conditionally inserts under one lock.
func (s *InMemoryCounterStore) SlidingWindowAdd(_ context.Context, key string, nowMs, windowMs int64, limit int, member string) (ports.SlidingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{}
	}

	cutoff := nowMs - windowMs
	i := sort.Search(len(e.zset), func(i int) bool { return e.zset[i].score > cutoff })
	e.zset = e.zset[i:]

	allowed := len(e.zset) < limit
	if allowed {
		pos := sort.Search(len(e.zset), func(i int) bool { return e.zset[i].score > nowMs })
		e.zset = append(e.zset, zmember{})
		copy(e.zset[pos+1:], e.zset[pos:])
		e.zset[pos] = zmember{score: nowMs, id: member}
	}

	res := ports.SlidingResult{Allowed: allowed, Count: len(e.zset)}
	if len(e.zset) > 0 {
		res.OldestMs = e.zset[0].score
		e.expiresAt = s.now().Add(time.Duration(windowMs) * time.Millisecond)
		s.put(key, e)
	} else {
		delete(s.entries, key)
	}
	return res, nil
}

// IncrementWithTTL increments key; the TTL is set only by the first increment.
func (s *InMemoryCounterStore) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (ports.IncrementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key)
	if e == nil {
		e = &entry{}
	}
	e.counter++
	if e.counter == 1 && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.put(key, e)

	res := ports.IncrementResult{Count: e.counter}
	if !e.expiresAt.IsZero() {
		res.TTL = e.expiresAt.Sub(now)
	}
	return res, nil
}

// SetIfAbsent stores value unless a live key exists.
func (s *InMemoryCounterStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.put(key, e)
	return true, nil
}

// GetMany returns string values, "" for absent, expired or non-string keys.
func (s *InMemoryCounterStore) GetMany(_ context.Context, keys ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(keys))
	for i, key := range keys {
		if e := s.live(key); e != nil {
			out[i] = e.value
		}
	}
	return out, nil
}

func (s *InMemoryCounterStore) Ping(context.Context) error { return nil }

// Len returns the number of live keys.
func (s *InMemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	return len(s.entries)
}

// live returns the entry for key, evicting it if expired.
// Must be called while holding s.mu lock.
func (s *InMemoryCounterStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

// put stores e and periodically sweeps expired keys.
// Must be called while holding s.mu lock.
func (s *InMemoryCounterStore) put(key string, e *entry) {
	s.entries[key] = e
	s.writes++
	if s.writes%sweepEvery == 0 {
		s.sweep()
	}
}

func (s *InMemoryCounterStore) sweep() {
	now := s.now()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
}
