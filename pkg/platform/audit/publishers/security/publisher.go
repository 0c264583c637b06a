// Package security provides a buffered, non-blocking publisher for security
// audit events. Emit never blocks the request path; a background loop drains
// the buffer in batches to a Sink.
package security

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	audit "quotaguard/pkg/platform/audit"
)

// Sink delivers a batch of events to durable storage or a broker.
type Sink interface {
	Publish(ctx context.Context, events []audit.SecurityEvent) error
}

// Publisher buffers security events and flushes them to a Sink.
type Publisher struct {
	sink          Sink
	buffer        *RingBuffer
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	notify chan struct{}
	failed atomic.Int64
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(n)
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// NewPublisher creates a publisher. Call Run to start draining.
func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:          sink,
		buffer:        NewRingBuffer(0),
		logger:        slog.Default(),
		batchSize:     100,
		flushInterval: time.Second,
		now:           time.Now,
		notify:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit queues an event without blocking.
func (p *Publisher) Emit(_ context.Context, event audit.SecurityEvent) {
	if p == nil {
		return
	}
	if !p.buffer.Enqueue(event.Normalize(p.now())) {
		p.logger.Warn("security event buffer full, dropped oldest event")
	}
	if p.buffer.Len() >= p.batchSize {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

// Run drains the buffer until ctx is cancelled, then performs a final flush.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			p.Flush(ctx)
		case <-p.notify:
			p.Flush(ctx)
		}
	}
}

// Flush delivers every buffered event. Failed batches are counted and dropped.
func (p *Publisher) Flush(ctx context.Context) {
	for {
		batch := p.buffer.DequeueBatch(p.batchSize)
		if len(batch) == 0 {
			return
		}
		if err := p.sink.Publish(ctx, batch); err != nil {
			p.failed.Add(int64(len(batch)))
			p.logger.WarnContext(ctx, "failed to publish security events",
				"error", err,
				"batch_size", len(batch),
			)
			return
		}
	}
}

// Pending returns the number of buffered events.
func (p *Publisher) Pending() int { return p.buffer.Len() }

// Failed returns the number of events lost to sink errors.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// Dropped returns the number of events evicted from a full buffer.
func (p *Publisher) Dropped() int64 { return p.buffer.Dropped() }
