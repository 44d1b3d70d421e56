package domain

import (
	"context"
	"time"
)

// Well-known event channels. Request/response channels are derived from these
// with an identifier suffix, e.g. "approval:42".
const (
	ChanMessageReceived = "message.received"
	ChanMessageSent     = "message.sent"
	ChanStreamStarted   = "stream.started"
	ChanStreamDelta     = "stream.delta"
	ChanStreamCompleted = "stream.completed"
	ChanApprovalPrefix  = "approval:"

	// ResolvedSuffix is appended to a channel name when a pending request on
	// it has been resolved, so observers can learn which responder won.
	ResolvedSuffix = "_resolved"
)

// Event is the envelope delivered to bus subscribers.
type Event struct {
	Channel   string         `json:"channel"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides publish/subscribe plus a request/response mode with
// first-response-wins arbitration.
type EventBus interface {
	// Subscribe registers a handler under subscriberID for a channel.
	// Re-subscribing with the same id replaces the previous handler.
	Subscribe(channel, subscriberID string, handler EventHandler)
	// Unsubscribe removes the handler registered under subscriberID.
	Unsubscribe(channel, subscriberID string)
	// Publish fans out an event to all current subscribers of the channel.
	Publish(ctx context.Context, channel string, data map[string]any)
	// PublishAndWait publishes data (merged with the request id) and blocks
	// until a responder resolves the request or the timeout elapses.
	// The second return is false on timeout.
	PublishAndWait(ctx context.Context, channel, requestID string, data map[string]any, timeout time.Duration) (map[string]any, bool)
	// Respond resolves a pending request. Only the first responder wins;
	// later calls return false and have no effect.
	Respond(requestID string, response map[string]any, responderID string) bool
	// PendingCount reports the number of unresolved requests.
	PendingCount() int
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
