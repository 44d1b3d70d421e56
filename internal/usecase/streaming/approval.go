package streaming

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"flowbot/internal/domain"
)

// Decision is the outcome of a human-in-the-loop approval request.
type Decision struct {
	Approved    bool
	Choice      string
	ResponderID string
}

// RequestApproval publishes an approval request on the bus and blocks until a
// responder decides or the timeout elapses. A timeout is an implicit decline,
// not an error. The request goes out on "approval:<session id>" with the
// request id in the event data, so any surface watching the session (chat
// buttons, gateway clients) can answer; the first response wins.
func RequestApproval(ctx context.Context, bus domain.EventBus, sessionID, question string, options []string, timeout time.Duration) Decision {
	requestID := ulid.Make().String()
	data := map[string]any{
		"session_id": sessionID,
		"question":   question,
		"options":    options,
	}

	resp, ok := bus.PublishAndWait(ctx, domain.ChanApprovalPrefix+sessionID, requestID, data, timeout)
	if !ok {
		return Decision{}
	}

	d := Decision{ResponderID: asString(resp["responder_id"])}
	if v, ok := resp["approved"].(bool); ok {
		d.Approved = v
	}
	d.Choice = asString(resp["choice"])
	if !d.Approved && d.Choice != "" {
		d.Approved = d.Choice == "approve" || d.Choice == "yes"
	}
	return d
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
