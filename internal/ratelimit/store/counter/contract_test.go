package counter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"quotaguard/internal/ratelimit/ports"
)

// ContractSuite exercises the CounterStore contract. Concrete stores embed it
// and set newStore.
type ContractSuite struct {
	suite.Suite
	newStore func() ports.CounterStore
	store    ports.CounterStore
	ctx      context.Context
	baseMs   int64
}

func (s *ContractSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
	s.baseMs = time.Now().UnixMilli()
}

func (s *ContractSuite) key(name string) string {
	return fmt.Sprintf("test:%s:%s", name, uuid.NewString())
}

func (s *ContractSuite) TestSlidingWindowAdd() {
	const window = int64(60_000)

	s.Run("admits up to limit then rejects without inserting", func() {
		key := s.key("sliding-limit")
		for i := range 5 {
			res, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs+int64(i)*1000, window, 5, uuid.NewString())
			s.Require().NoError(err)
			s.True(res.Allowed)
			s.Equal(i+1, res.Count)
			s.Equal(s.baseMs, res.OldestMs)
		}

		res, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs+10_000, window, 5, uuid.NewString())
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.Equal(5, res.Count, "rejected request must not be recorded")
		s.Equal(s.baseMs, res.OldestMs)
	})

	s.Run("entries at exactly now-window are pruned", func() {
		key := s.key("sliding-boundary")
		_, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs, window, 1, uuid.NewString())
		s.Require().NoError(err)

		res, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs+window-1, window, 1, uuid.NewString())
		s.Require().NoError(err)
		s.False(res.Allowed)

		res, err = s.store.SlidingWindowAdd(s.ctx, key, s.baseMs+window, window, 1, uuid.NewString())
		s.Require().NoError(err)
		s.True(res.Allowed)
		s.Equal(1, res.Count)
		s.Equal(s.baseMs+window, res.OldestMs)
	})

	s.Run("same millisecond requests are disambiguated by member", func() {
		key := s.key("sliding-same-ms")
		for range 3 {
			res, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs, window, 10, uuid.NewString())
			s.Require().NoError(err)
			s.True(res.Allowed)
		}
		res, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs, window, 10, uuid.NewString())
		s.Require().NoError(err)
		s.Equal(4, res.Count)
	})

	s.Run("concurrent adds never exceed limit", func() {
		key := s.key("sliding-concurrent")
		const limit, workers = 7, 40

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.store.SlidingWindowAdd(s.ctx, key, s.baseMs, window, limit, uuid.NewString())
				if err == nil && res.Allowed {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		s.Equal(limit, admitted)
	})
}

func (s *ContractSuite) TestIncrementWithTTL() {
	s.Run("counts and sets ttl on first increment", func() {
		key := s.key("incr")
		res, err := s.store.IncrementWithTTL(s.ctx, key, time.Minute)
		s.Require().NoError(err)
		s.Equal(int64(1), res.Count)
		s.Greater(res.TTL, time.Duration(0))
		s.LessOrEqual(res.TTL, time.Minute)

		res, err = s.store.IncrementWithTTL(s.ctx, key, time.Hour)
		s.Require().NoError(err)
		s.Equal(int64(2), res.Count)
		s.LessOrEqual(res.TTL, time.Minute, "later increments must not extend the ttl")
	})

	s.Run("concurrent increments are not lost", func() {
		key := s.key("incr-concurrent")
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.store.IncrementWithTTL(s.ctx, key, time.Minute)
			}()
		}
		wg.Wait()
		res, err := s.store.IncrementWithTTL(s.ctx, key, time.Minute)
		s.Require().NoError(err)
		s.Equal(int64(51), res.Count)
	})
}

func (s *ContractSuite) TestSetIfAbsentAndGetMany() {
	key := s.key("block")
	missing := s.key("missing")

	created, err := s.store.SetIfAbsent(s.ctx, key, "xss|123", time.Minute)
	s.Require().NoError(err)
	s.True(created)

	created, err = s.store.SetIfAbsent(s.ctx, key, "rate_limit|999", time.Minute)
	s.Require().NoError(err)
	s.False(created, "existing record must not be replaced")

	vals, err := s.store.GetMany(s.ctx, key, missing)
	s.Require().NoError(err)
	s.Equal([]string{"xss|123", ""}, vals)

	vals, err = s.store.GetMany(s.ctx)
	s.Require().NoError(err)
	s.Empty(vals)
}

func (s *ContractSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}
