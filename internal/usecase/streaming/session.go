package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"flowbot/internal/domain"
)

// SessionConfig tunes a streaming session.
type SessionConfig struct {
	// MaxDocumentLen is the largest rendered document the transport accepts.
	MaxDocumentLen int
	// TailCarryFraction: 1/N of the buffer is carried into a continuation
	// document on overflow.
	TailCarryFraction int
	// TailCarryMax caps the carried tail in bytes.
	TailCarryMax int
	// Mode is the parse mode for rendered documents.
	Mode domain.ParseMode
	// Markup is the interactive controls attached while streaming; dropped on
	// finalization.
	Markup domain.Markup
}

func (c *SessionConfig) applyDefaults() {
	if c.MaxDocumentLen <= 0 {
		c.MaxDocumentLen = 4000
	}
	if c.TailCarryFraction <= 0 {
		c.TailCarryFraction = 5
	}
	if c.TailCarryMax <= 0 {
		c.TailCarryMax = 2000
	}
}

const continuedMarker = "…(continued)"

// Session owns one logical streaming document: a growing content buffer, a
// status line and structured UI state. It never talks to the transport
// directly — every flush goes through the Coordinator, which owns scheduling.
type Session struct {
	mu     sync.Mutex
	coord  *Coordinator
	chatID string
	cfg    SessionConfig
	logger *slog.Logger

	ref     domain.DocumentRef
	started bool
	part    int
	state   *UIState
}

// NewSession creates a session for one chat. The first flush creates the
// underlying document.
func NewSession(coord *Coordinator, chatID string, cfg SessionConfig, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		coord:  coord,
		chatID: chatID,
		cfg:    cfg,
		logger: logger,
		state:  &UIState{},
	}
}

// Start creates the document immediately with the given text (e.g. a
// "Starting…" placeholder) instead of waiting for the first append.
func (s *Session) Start(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	return s.createDocument(ctx, text)
}

// Ref returns the current document ref. Zero before the first flush.
func (s *Session) Ref() domain.DocumentRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// Part returns the continuation counter (0 for the first document).
func (s *Session) Part() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.part
}

// State exposes the UI state for inspection. Callers must not mutate it
// concurrently with session methods.
func (s *Session) State() *UIState { return s.state }

// Append grows the content buffer and schedules a coordinator update.
func (s *Session) Append(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return domain.ErrSessionFinalized
	}
	s.state.AppendContent(text)
	return s.push(ctx)
}

// AppendLine appends text followed by a newline.
func (s *Session) AppendLine(ctx context.Context, text string) error {
	return s.Append(ctx, text+"\n")
}

// AddThinking feeds model reasoning into the thinking overlay.
func (s *Session) AddThinking(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return domain.ErrSessionFinalized
	}
	s.state.AddThinking(text)
	return s.push(ctx)
}

// SetStatus replaces the status line.
func (s *Session) SetStatus(ctx context.Context, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return domain.ErrSessionFinalized
	}
	s.state.StatusLine = status
	return s.push(ctx)
}

// ShowToolUse records the start of a tool invocation. Thinking collapses first
// so the tool output stays visually adjacent to the action.
func (s *Session) ShowToolUse(ctx context.Context, name, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return domain.ErrSessionFinalized
	}
	s.state.CollapseAllThinking()
	id := s.state.StartTool(name, detail)
	s.state.SetToolExecuting(id)
	return s.push(ctx)
}

// ShowToolResult completes the most recent executing invocation of name.
func (s *Session) ShowToolResult(ctx context.Context, name string, success bool, output, changeSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return domain.ErrSessionFinalized
	}
	if !s.state.CompleteTool(name, success, output, changeSummary) {
		s.logger.Debug("tool result without matching executing entry", "tool", name)
	}
	return s.push(ctx)
}

// ShowTodoList replaces the task checklist in the overlay.
func (s *Session) ShowTodoList(ctx context.Context, items []TodoItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return domain.ErrSessionFinalized
	}
	s.state.SetTodos(items)
	return s.push(ctx)
}

// Finalize clears the status line and controls, forces a final update and
// marks the session finalized. A non-empty finalText replaces the content.
func (s *Session) Finalize(ctx context.Context, finalText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Finalized {
		return nil
	}
	if finalText != "" {
		s.state.Content = finalText
	}
	s.state.Finalize()

	if !s.started {
		return s.createDocument(ctx, s.finalRender())
	}
	s.coord.ScheduleUpdate(ctx, s.ref, s.finalRender(), s.cfg.Mode, nil, true, FinalPriority)
	return nil
}

// MoveToBottom reposts the document at the bottom of the chat: the old
// message is deleted and the current rendering is sent fresh, optionally
// prefixed with a header line.
func (s *Session) MoveToBottom(ctx context.Context, header string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if err := s.coord.Delete(ctx, s.ref); err != nil {
		s.logger.Warn("move to bottom: delete failed", "chat_id", s.chatID, "error", err)
	}
	text := s.state.Render()
	if header != "" {
		text = header + "\n" + text
	}
	return s.createDocument(ctx, text)
}

// push renders the current state and hands it to the coordinator, splitting
// into a continuation document when the rendering exceeds the transport limit.
// Callers hold s.mu.
func (s *Session) push(ctx context.Context) error {
	rendered := s.state.Render()

	if !s.started {
		return s.createDocument(ctx, rendered)
	}

	if len(rendered) > s.cfg.MaxDocumentLen {
		return s.overflow(ctx)
	}

	s.coord.ScheduleUpdate(ctx, s.ref, rendered, s.cfg.Mode, s.cfg.Markup, false, 0)
	return nil
}

// overflow finalizes the current document and continues in a fresh one
// carrying a bounded tail of the buffer for context continuity.
func (s *Session) overflow(ctx context.Context) error {
	final := s.finalRender()
	if len(final) > s.cfg.MaxDocumentLen {
		cut := s.cfg.MaxDocumentLen - len(continuedMarker) - 1
		final = final[:snapToLineStart(final, cut)] + "\n" + continuedMarker
	}
	s.coord.ScheduleUpdate(ctx, s.ref, final, s.cfg.Mode, nil, true, FinalPriority)

	tail := tailSlice(s.state.Content, s.cfg.TailCarryFraction, s.cfg.TailCarryMax)
	s.part++
	s.state.Reset()
	s.state.Content = fmt.Sprintf("%s (part %d)\n%s", continuedMarker, s.part+1, tail)

	s.logger.Info("document overflow, continuing in new message",
		"chat_id", s.chatID, "part", s.part, "tail_len", len(tail))

	return s.createDocument(ctx, s.state.Render())
}

// createDocument sends a new document via the coordinator and adopts its ref.
// Callers hold s.mu.
func (s *Session) createDocument(ctx context.Context, text string) error {
	ref, err := s.coord.SendNew(ctx, s.chatID, text, s.cfg.Mode, s.cfg.Markup)
	if err != nil {
		return err
	}
	s.ref = ref
	s.started = true
	return nil
}

// finalRender renders without the status line or checklist, as a finalized
// document shows neither.
func (s *Session) finalRender() string {
	status, todos := s.state.StatusLine, s.state.todos
	s.state.StatusLine = ""
	s.state.todos = nil
	rendered := s.state.Render()
	s.state.StatusLine = status
	s.state.todos = todos
	return rendered
}

// tailSlice returns roughly the last 1/fraction of content (at most capBytes),
// snapped to the nearest following line boundary.
func tailSlice(content string, fraction, capBytes int) string {
	n := len(content) / fraction
	if n > capBytes {
		n = capBytes
	}
	if n <= 0 || n >= len(content) {
		return content
	}
	start := len(content) - n
	if i := strings.IndexByte(content[start:], '\n'); i >= 0 && start+i+1 < len(content) {
		start += i + 1
	}
	return content[start:]
}

// snapToLineStart returns the largest index <= cut that begins a line. When
// there is no earlier newline the cut backs up to a rune boundary instead.
func snapToLineStart(text string, cut int) int {
	if cut >= len(text) {
		return len(text)
	}
	if cut < 0 {
		return 0
	}
	if i := strings.LastIndexByte(text[:cut], '\n'); i >= 0 {
		return i
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}
