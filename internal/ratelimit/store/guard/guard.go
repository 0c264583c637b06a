// Package guard decorates a CounterStore with a per-call timeout and a circuit
// breaker. Every failure it returns wraps sentinel.ErrUnavailable.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quotaguard/internal/ratelimit/metrics"
	"quotaguard/internal/ratelimit/ports"
	"quotaguard/pkg/platform/circuit"
	"quotaguard/pkg/platform/sentinel"
)

const (
	opSlidingWindowAdd = "sliding_window_add"
	opIncrement        = "increment_with_ttl"
	opSetIfAbsent      = "set_if_absent"
	opGetMany          = "get_many"
	opPing             = "ping"
)

// Store bounds every call of the wrapped store.
type Store struct {
	next    ports.CounterStore
	timeout time.Duration
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ ports.CounterStore = (*Store)(nil)

type Option func(*Store)

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Store) {
		if b != nil {
			s.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New wraps next. Defaults: 50ms timeout and a breaker with default thresholds.
func New(next ports.CounterStore, opts ...Option) (*Store, error) {
	if next == nil {
		return nil, errors.New("counter store is required")
	}
	s := &Store{
		next:    next,
		timeout: 50 * time.Millisecond,
		breaker: circuit.New("counter-store"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Degraded reports whether the breaker is currently open.
func (s *Store) Degraded() bool {
	return s.breaker.IsOpen()
}

func (s *Store) SlidingWindowAdd(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (res ports.SlidingResult, err error) {
	err = s.call(ctx, opSlidingWindowAdd, func(ctx context.Context) error {
		res, err = s.next.SlidingWindowAdd(ctx, key, nowMs, windowMs, limit, member)
		return err
	})
	return res, err
}

func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (res ports.IncrementResult, err error) {
	err = s.call(ctx, opIncrement, func(ctx context.Context) error {
		res, err = s.next.IncrementWithTTL(ctx, key, ttl)
		return err
	})
	return res, err
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (created bool, err error) {
	err = s.call(ctx, opSetIfAbsent, func(ctx context.Context) error {
		created, err = s.next.SetIfAbsent(ctx, key, value, ttl)
		return err
	})
	return created, err
}

func (s *Store) GetMany(ctx context.Context, keys ...string) (vals []string, err error) {
	err = s.call(ctx, opGetMany, func(ctx context.Context) error {
		vals, err = s.next.GetMany(ctx, keys...)
		return err
	})
	return vals, err
}

// Ping bypasses the breaker so health checks observe the real store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.next.Ping(ctx); err != nil {
		return fmt.Errorf("%s: %w: %w", opPing, sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("%s: circuit open: %w", op, sentinel.ErrUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	s.metrics.ObserveStoreCall(op, time.Since(start), err)

	if err != nil {
		// A caller that went away says nothing about store health.
		if ctx.Err() == nil {
			s.recordFailure(ctx, op, err)
		}
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}

	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.metrics.SetCircuitOpen(false)
		s.logger.InfoContext(ctx, "counter store circuit closed", "operation", op)
	}
	return nil
}

func (s *Store) recordFailure(ctx context.Context, op string, err error) {
	_, change := s.breaker.RecordFailure()
	if change.Opened {
		s.metrics.SetCircuitOpen(true)
		s.logger.WarnContext(ctx, "counter store circuit opened",
			"operation", op,
			"error", err,
		)
		return
	}
	s.logger.DebugContext(ctx, "counter store call failed", "operation", op, "error", err)
}
