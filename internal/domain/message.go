package domain

import "context"

// InboundMessage is a message received from the chat transport (user input).
type InboundMessage struct {
	ChatID     string
	Content    string
	SenderID   string
	SenderName string
	IsGroup    bool
	IsMention  bool
	ReplyToID  string
}

// ButtonPress is an interactive control press delivered by the transport.
type ButtonPress struct {
	ChatID   string
	SenderID string
	Data     string // the Button.Data payload
}

// MessageHandler is invoked by the transport for each inbound message.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// ButtonHandler is invoked by the transport for each button press.
type ButtonHandler func(ctx context.Context, press ButtonPress) error
