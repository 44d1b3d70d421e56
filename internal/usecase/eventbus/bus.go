package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flowbot/internal/domain"
)

type subscription struct {
	id      string
	handler domain.EventHandler
}

// pendingRequest tracks one in-flight PublishAndWait call. It is resolved by
// exactly one Respond; done is closed once, on resolution.
type pendingRequest struct {
	channel    string
	done       chan struct{}
	response   map[string]any
	resolvedBy string
	resolved   bool
}

// Bus is an in-process, goroutine-safe event bus with a request/response mode.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	pending map[string]*pendingRequest
	logger  *slog.Logger
	tracer  trace.Tracer
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[string][]subscription),
		pending: make(map[string]*pendingRequest),
		logger:  logger,
		tracer:  otel.Tracer("flowbot/eventbus"),
	}
}

// Subscribe registers a handler under subscriberID for a channel.
// Re-subscribing with the same id replaces the previous handler.
func (b *Bus) Subscribe(channel, subscriberID string, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, s := range subs {
		if s.id == subscriberID {
			subs[i].handler = handler
			return
		}
	}
	b.subs[channel] = append(subs, subscription{id: subscriberID, handler: handler})
}

// Unsubscribe removes the handler registered under subscriberID.
func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, s := range subs {
		if s.id == subscriberID {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			return
		}
	}
}

// Publish fans out an event to all current subscribers of the channel.
// Each handler is invoked in its own goroutine. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, channel string, data map[string]any) {
	if b.closed.Load() {
		return
	}

	event := domain.Event{Channel: channel, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"channel", event.Channel,
					"subscriber", sub.id,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// PublishAndWait publishes data merged with the request id and blocks until a
// responder resolves the request, the timeout elapses, or ctx is cancelled.
// The returned response carries the winner's id under "responder_id".
// On timeout the pending request is removed, so a late Respond finds nothing.
func (b *Bus) PublishAndWait(ctx context.Context, channel, requestID string, data map[string]any, timeout time.Duration) (map[string]any, bool) {
	if b.closed.Load() {
		return nil, false
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.PublishAndWait",
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("request_id", requestID),
		))
	defer span.End()

	req := &pendingRequest{channel: channel, done: make(chan struct{})}

	b.mu.Lock()
	b.pending[requestID] = req
	b.mu.Unlock()

	merged := make(map[string]any, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	merged["request_id"] = requestID
	b.Publish(ctx, channel, merged)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-req.done:
		b.mu.Lock()
		resp := withResponder(req.response, req.resolvedBy)
		delete(b.pending, requestID)
		b.mu.Unlock()
		return resp, true
	case <-timer.C:
	case <-ctx.Done():
	}

	// Timed out or cancelled. A Respond may have landed in the meantime;
	// honor it rather than dropping an accepted response.
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	if req.resolved {
		return withResponder(req.response, req.resolvedBy), true
	}
	return nil, false
}

// withResponder returns a copy of response carrying the winning responder's id.
func withResponder(response map[string]any, responderID string) map[string]any {
	out := make(map[string]any, len(response)+1)
	for k, v := range response {
		out[k] = v
	}
	out["responder_id"] = responderID
	return out
}

// Respond resolves a pending request with the given response. The first
// responder wins; later calls (and calls for unknown requests) return false.
// The resolution is republished on "<channel>_resolved" so other interested
// parties can observe which responder won.
func (b *Bus) Respond(requestID string, response map[string]any, responderID string) bool {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	if !ok || req.resolved {
		b.mu.Unlock()
		return false
	}
	req.resolved = true
	req.response = response
	req.resolvedBy = responderID
	channel := req.channel
	close(req.done)
	b.mu.Unlock()

	b.Publish(context.Background(), channel+domain.ResolvedSuffix, map[string]any{
		"request_id":   requestID,
		"responder_id": responderID,
		"response":     response,
	})
	return true
}

// PendingCount reports the number of unresolved requests.
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		// Already closed — nothing to drain.
		return
	}
	b.wg.Wait()
}
