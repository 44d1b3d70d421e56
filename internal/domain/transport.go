package domain

import (
	"context"
	"time"
)

// ParseMode selects how the transport interprets formatting in message text.
type ParseMode string

const (
	ModePlain    ParseMode = ""
	ModeMarkdown ParseMode = "MarkdownV2"
	ModeHTML     ParseMode = "HTML"
)

// Button is a single interactive control attached to a message.
// Data is the opaque payload delivered back when the button is pressed.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Markup is a grid of buttons (rows of columns). nil means no controls.
type Markup [][]Button

// DocumentRef identifies one editable message on the transport.
type DocumentRef struct {
	ChatID    string
	MessageID int64
}

// IsZero reports whether the ref identifies no document.
func (r DocumentRef) IsZero() bool { return r.ChatID == "" && r.MessageID == 0 }

// EditStatus classifies the outcome of an edit call. Transport failures are
// modelled as explicit variants rather than error types so the retry state
// machine in the coordinator can handle them exhaustively.
type EditStatus int

const (
	// EditOK: the edit was applied.
	EditOK EditStatus = iota
	// EditRateLimited: the transport refused the edit and requires a wait.
	EditRateLimited
	// EditUnchanged: the transport reports identical content. Treated as success.
	EditUnchanged
	// EditGone: the target message no longer exists or cannot be edited.
	EditGone
	// EditMalformed: the transport rejected the formatting/markup.
	EditMalformed
	// EditFailed: a transport-level failure (network, server error).
	EditFailed
)

func (s EditStatus) String() string {
	switch s {
	case EditOK:
		return "ok"
	case EditRateLimited:
		return "rate_limited"
	case EditUnchanged:
		return "unchanged"
	case EditGone:
		return "gone"
	case EditMalformed:
		return "malformed"
	default:
		return "failed"
	}
}

// EditResult is the outcome of a transport edit call.
type EditResult struct {
	Status     EditStatus
	RetryAfter time.Duration // set when Status is EditRateLimited
	Err        error         // set when Status is EditMalformed or EditFailed
}

// MessageTransport is the chat platform contract the streaming core edits
// documents through. Implementations must be safe for concurrent use.
type MessageTransport interface {
	// Send creates a new document and returns its ref.
	Send(ctx context.Context, chatID, text string, mode ParseMode, markup Markup) (DocumentRef, error)
	// Edit replaces the content of an existing document.
	Edit(ctx context.Context, ref DocumentRef, text string, mode ParseMode, markup Markup) EditResult
	// Delete removes a document. Deleting an already-gone document is not an error.
	Delete(ctx context.Context, ref DocumentRef) error
}
