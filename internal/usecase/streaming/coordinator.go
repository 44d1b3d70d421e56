package streaming

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flowbot/internal/domain"
)

// FinalPriority is the priority carried by finalizing updates.
const FinalPriority = 100

// CoordinatorConfig tunes the per-document scheduling.
type CoordinatorConfig struct {
	// MinInterval is the minimum time between two edits of one document.
	MinInterval time.Duration
	// MaxRetryWait bounds how long a rate-limited edit may be delayed before
	// the update is dropped (non-final) or rescheduled (final).
	MaxRetryWait time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Second
	}
	if c.MaxRetryWait <= 0 {
		c.MaxRetryWait = 8 * time.Second
	}
}

// pendingUpdate is the latest desired rendering of a document not yet sent.
type pendingUpdate struct {
	text     string
	mode     domain.ParseMode
	markup   domain.Markup
	priority int
	final    bool
}

// messageState is the per-document state owned exclusively by the Coordinator.
type messageState struct {
	ref        domain.DocumentRef
	lastUpdate time.Time
	lastSent   string
	pending    *pendingUpdate
	timer      *time.Timer
	timerSet   bool
	inFlight   bool
	finalized  bool
	formatErrs int
	forcePlain bool
}

// Coordinator schedules transport edits for evolving documents: it enforces a
// minimum inter-edit interval per document, coalesces intermediate writes, and
// recovers from transport rate limits and markup rejections. One Coordinator
// serves any number of documents.
type Coordinator struct {
	mu        sync.Mutex
	states    map[domain.DocumentRef]*messageState
	transport domain.MessageTransport
	cfg       CoordinatorConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCoordinator creates an update coordinator over the given transport.
func NewCoordinator(transport domain.MessageTransport, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		states:    make(map[domain.DocumentRef]*messageState),
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("flowbot/streaming"),
	}
}

// SendNew creates a fresh document and registers its state, so the first
// subsequent ScheduleUpdate is rate-limited relative to creation time.
func (c *Coordinator) SendNew(ctx context.Context, chatID, text string, mode domain.ParseMode, markup domain.Markup) (domain.DocumentRef, error) {
	ref, err := c.transport.Send(ctx, chatID, text, mode, markup)
	if err != nil {
		return domain.DocumentRef{}, domain.WrapOp("Coordinator.SendNew", err)
	}

	c.mu.Lock()
	c.states[ref] = &messageState{
		ref:        ref,
		lastUpdate: time.Now(),
		lastSent:   text,
	}
	c.mu.Unlock()
	return ref, nil
}

// ScheduleUpdate records text as the desired content of the document and
// either edits immediately (interval elapsed, or final) or arms a delayed
// execution that will pick up whatever pending update is newest when it fires.
// Returns false when the update was ignored: the document is finalized and the
// call is not final, the text matches what was last sent, or an existing
// pending update outranks it.
func (c *Coordinator) ScheduleUpdate(ctx context.Context, ref domain.DocumentRef, text string, mode domain.ParseMode, markup domain.Markup, final bool, priority int) bool {
	if final {
		priority = FinalPriority
	}

	c.mu.Lock()
	st, ok := c.states[ref]
	if !ok {
		// Created lazily on first reference.
		st = &messageState{ref: ref}
		c.states[ref] = st
	}

	if st.finalized && !final {
		c.mu.Unlock()
		return false
	}
	if text == st.lastSent && !final {
		c.mu.Unlock()
		return false
	}
	if st.pending != nil && st.pending.priority > priority {
		c.mu.Unlock()
		return false
	}

	st.pending = &pendingUpdate{text: text, mode: mode, markup: markup, priority: priority, final: final}

	elapsed := time.Since(st.lastUpdate)
	if final || elapsed >= c.cfg.MinInterval {
		if st.timerSet {
			st.timer.Stop()
			st.timerSet = false
		}
		c.mu.Unlock()
		c.execute(ctx, ref)
		return true
	}

	if !st.timerSet {
		st.timerSet = true
		st.timer = time.AfterFunc(c.cfg.MinInterval-elapsed, func() {
			c.execute(context.Background(), ref)
		})
	}
	c.mu.Unlock()
	return true
}

// Documents reports how many documents currently have tracked state.
func (c *Coordinator) Documents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// IsFinalized reports whether the document accepted its final update.
func (c *Coordinator) IsFinalized(ref domain.DocumentRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ref]
	return ok && st.finalized
}

// Cleanup cancels any scheduled execution and discards the document state.
func (c *Coordinator) Cleanup(ref domain.DocumentRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[ref]; ok {
		if st.timerSet {
			st.timer.Stop()
		}
		delete(c.states, ref)
	}
}

// Delete removes the document on the transport and discards its state.
func (c *Coordinator) Delete(ctx context.Context, ref domain.DocumentRef) error {
	c.Cleanup(ref)
	return c.transport.Delete(ctx, ref)
}

// execute sends the newest pending update for the document, if any. The lock
// is never held across transport I/O; inFlight guarantees at most one edit per
// document at any instant.
func (c *Coordinator) execute(ctx context.Context, ref domain.DocumentRef) {
	c.mu.Lock()
	st, ok := c.states[ref]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.timerSet = false
	if st.pending == nil || st.inFlight {
		c.mu.Unlock()
		return
	}
	upd := st.pending
	st.pending = nil
	st.inFlight = true
	text, mode, markup := upd.text, upd.mode, upd.markup
	if st.forcePlain {
		text, mode, markup = stripFormatting(text), domain.ModePlain, nil
	}
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "coordinator.edit",
		trace.WithAttributes(
			attribute.String("chat_id", ref.ChatID),
			attribute.Bool("final", upd.final),
		))
	defer span.End()

	res := c.transport.Edit(ctx, ref, text, mode, markup)
	c.settle(ctx, ref, upd, text, res, false, false)
}

// settle applies the edit outcome to the document state, retrying at most once
// for rate-limit and markup failures. plainFallback marks a retry that already
// degraded to plain text; its success must not reset the format-error count.
func (c *Coordinator) settle(ctx context.Context, ref domain.DocumentRef, upd *pendingUpdate, sentText string, res domain.EditResult, retried, plainFallback bool) {
	switch res.Status {
	case domain.EditOK, domain.EditUnchanged:
		c.finish(ref, upd, sentText, !plainFallback)

	case domain.EditRateLimited:
		if retried || res.RetryAfter > c.cfg.MaxRetryWait {
			c.logger.Warn("edit dropped: rate limit wait too long",
				"chat_id", ref.ChatID, "retry_after", res.RetryAfter, "final", upd.final)
			c.abandon(ref, upd, c.cfg.MaxRetryWait)
			return
		}
		select {
		case <-time.After(res.RetryAfter):
		case <-ctx.Done():
			c.abandon(ref, upd, c.cfg.MaxRetryWait)
			return
		}
		retry := c.transport.Edit(ctx, ref, sentText, c.modeFor(ref, upd), c.markupFor(ref, upd))
		c.settle(ctx, ref, upd, sentText, retry, true, plainFallback)

	case domain.EditGone:
		c.mu.Lock()
		if st, ok := c.states[ref]; ok {
			if st.timerSet {
				st.timer.Stop()
			}
			delete(c.states, ref)
		}
		c.mu.Unlock()

	case domain.EditMalformed:
		c.mu.Lock()
		var degraded bool
		if st, ok := c.states[ref]; ok {
			st.formatErrs++
			if st.formatErrs >= 2 {
				st.forcePlain = true
			}
			degraded = st.forcePlain
		}
		c.mu.Unlock()
		c.logger.Warn("edit rejected: malformed markup, falling back to plain text",
			"chat_id", ref.ChatID, "force_plain", degraded, "error", res.Err)
		if retried {
			c.abandon(ref, upd, c.cfg.MinInterval)
			return
		}
		plain := stripFormatting(upd.text)
		retry := c.transport.Edit(ctx, ref, plain, domain.ModePlain, nil)
		c.settle(ctx, ref, upd, plain, retry, true, true)

	default: // EditFailed
		c.logger.Error("edit failed", "chat_id", ref.ChatID, "error", res.Err)
		c.abandon(ref, upd, c.cfg.MinInterval)
	}
}

// finish records a successful (or content-unchanged) edit.
func (c *Coordinator) finish(ref domain.DocumentRef, upd *pendingUpdate, sentText string, resetFormatErrs bool) {
	c.mu.Lock()
	st, ok := c.states[ref]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.lastUpdate = time.Now()
	st.lastSent = sentText
	if resetFormatErrs {
		st.formatErrs = 0
	}
	st.inFlight = false
	if upd.final {
		st.finalized = true
	}
	// An update that arrived while this edit was in flight still needs a slot.
	if st.pending != nil && !st.timerSet && !st.finalized {
		st.timerSet = true
		st.timer = time.AfterFunc(c.cfg.MinInterval, func() {
			c.execute(context.Background(), ref)
		})
	}
	c.mu.Unlock()
}

// abandon drops a failed update; final updates are re-armed for a later retry
// instead of being lost, and any update that queued up behind the failed edit
// still gets its timer.
func (c *Coordinator) abandon(ref domain.DocumentRef, upd *pendingUpdate, retryIn time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[ref]
	if !ok {
		return
	}
	st.inFlight = false
	if upd.final && (st.pending == nil || st.pending.priority <= upd.priority) {
		st.pending = upd
	}
	if st.pending != nil && !st.timerSet {
		st.timerSet = true
		st.timer = time.AfterFunc(retryIn, func() {
			c.execute(context.Background(), ref)
		})
	}
}

func (c *Coordinator) modeFor(ref domain.DocumentRef, upd *pendingUpdate) domain.ParseMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[ref]; ok && st.forcePlain {
		return domain.ModePlain
	}
	return upd.mode
}

func (c *Coordinator) markupFor(ref domain.DocumentRef, upd *pendingUpdate) domain.Markup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[ref]; ok && st.forcePlain {
		return nil
	}
	return upd.markup
}

var formattingReplacer = strings.NewReplacer(
	"*", "", "_", "", "`", "", "~", "", "||", "",
)

// stripFormatting removes structural formatting characters so the text can be
// resent in plain mode after a markup rejection.
func stripFormatting(text string) string {
	return formattingReplacer.Replace(text)
}
