package consumer

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"anchorid/internal/platform/kafka/consumer"
)

// TopicHandler materializes messages from one audit topic.
type TopicHandler interface {
	Handle(ctx context.Context, msg *consumer.Message) error
}

// HandlerFunc adapts a function to TopicHandler.
type HandlerFunc func(ctx context.Context, msg *consumer.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *consumer.Message) error { return f(ctx, msg) }

// Router fans one consumer group out to per-topic handlers. Register every
// topic before Run; the map is not guarded.
type Router struct {
	handlers map[string]TopicHandler
	fallback TopicHandler
	logger   *slog.Logger
	skipped  atomic.Int64
}

// NewRouter builds a router. Messages on unregistered topics go to fallback,
// or are committed and dropped when fallback is nil.
func NewRouter(logger *slog.Logger, fallback TopicHandler) *Router {
	return &Router{
		handlers: make(map[string]TopicHandler),
		fallback: fallback,
		logger:   logger,
	}
}

func (r *Router) Register(topic string, handler TopicHandler) {
	r.handlers[topic] = handler
}

// Topics lists registered topics in a stable order for the consumer subscription.
func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Skipped counts messages dropped for lack of a handler.
func (r *Router) Skipped() int64 { return r.skipped.Load() }

func (r *Router) Handle(ctx context.Context, msg *consumer.Message) error {
	if handler, ok := r.handlers[msg.Topic]; ok {
		return handler.Handle(ctx, msg)
	}
	if r.fallback != nil {
		return r.fallback.Handle(ctx, msg)
	}
	r.skipped.Add(1)
	r.logger.WarnContext(ctx, "no audit handler for topic",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	return nil
}
