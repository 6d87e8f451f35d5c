// Package security provides a non-blocking audit publisher for security events.
// Emit never fails the caller; events are buffered and flushed in the background.
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/requestcontext"
)

const flushBatch = 100

// Publisher buffers security events and persists them from a background goroutine.
type Publisher struct {
	store    audit.Store
	buffer   *ringBuffer
	logger   *slog.Logger
	interval time.Duration

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Option configures the Publisher.
type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithCapacity(n int) Option {
	return func(p *Publisher) { p.buffer = newRingBuffer(n) }
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) { p.interval = d }
}

// New starts a publisher. Call Close to flush and stop it.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		buffer:   newRingBuffer(0),
		logger:   slog.Default(),
		interval: time.Second,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Emit enqueues the event without blocking.
func (p *Publisher) Emit(ctx context.Context, event audit.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityWarning
	}
	p.buffer.enqueue(event)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many events were overwritten before being flushed.
func (p *Publisher) Dropped() int64 { return p.buffer.droppedCount() }

// Pending reports how many events await flushing.
func (p *Publisher) Pending() int { return p.buffer.len() }

// Close flushes buffered events and stops the background goroutine.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			p.flush()
			return
		case <-p.wake:
			p.flush()
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *Publisher) flush() {
	ctx := context.Background()
	for {
		batch := p.buffer.dequeueBatch(flushBatch)
		if len(batch) == 0 {
			return
		}
		for _, event := range batch {
			if err := p.store.Append(ctx, event.ToEvent()); err != nil {
				p.logger.WarnContext(ctx, "security audit event lost",
					"action", event.Action,
					"subject", event.Subject,
					"error", err,
				)
			}
		}
	}
}
