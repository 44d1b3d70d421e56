package streaming

import (
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// ToolStatus is the lifecycle state of one tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolState records one tool invocation shown in the overlay.
// The list is append-only; status moves pending -> executing -> completed/error.
type ToolState struct {
	ID            string
	Name          string
	Status        ToolStatus
	Detail        string
	Output        string
	ChangeSummary string
}

// ThinkingBlock is a flushed chunk of model reasoning. All blocks except the
// newest are rendered collapsed.
type ThinkingBlock struct {
	ID        string
	Content   string
	Collapsed bool
}

// TodoItem is one entry of a task checklist shown in the overlay.
type TodoItem struct {
	Text string
	Done bool
}

// UIState is the structured state of one streaming document. Rendering is a
// pure function of this state; no I/O happens here. UIState is not
// goroutine-safe — the owning Session serializes access.
type UIState struct {
	Content          string
	StatusLine       string
	CompletionInfo   string
	CompletionStatus string
	Finalized        bool

	tools       []ToolState
	thinking    []ThinkingBlock
	thinkingBuf strings.Builder
	todos       []TodoItem

	// Tunables; zero values fall back to the package defaults.
	ThinkingFlushLen int
	ThinkingShowCap  int
	ToolOutputCap    int
}

const (
	defaultThinkingFlushLen = 400
	defaultThinkingShowCap  = 300
	defaultToolOutputCap    = 500
	collapsedPreviewLen     = 64
)

func (s *UIState) thinkingFlushLen() int {
	if s.ThinkingFlushLen > 0 {
		return s.ThinkingFlushLen
	}
	return defaultThinkingFlushLen
}

func (s *UIState) thinkingShowCap() int {
	if s.ThinkingShowCap > 0 {
		return s.ThinkingShowCap
	}
	return defaultThinkingShowCap
}

func (s *UIState) toolOutputCap() int {
	if s.ToolOutputCap > 0 {
		return s.ToolOutputCap
	}
	return defaultToolOutputCap
}

// AppendContent grows the document content buffer.
func (s *UIState) AppendContent(text string) {
	s.Content += text
}

// AddThinking appends text to the live thinking buffer and flushes it into a
// block once the buffer is large enough, contains a line break, or ends in
// terminal sentence punctuation. This keeps any single rendered block bounded.
func (s *UIState) AddThinking(text string) {
	s.thinkingBuf.WriteString(text)
	buf := s.thinkingBuf.String()
	if len(buf) >= s.thinkingFlushLen() || strings.Contains(buf, "\n") || endsSentence(buf) {
		s.flushThinking(false)
	}
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, " ")
	return strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?")
}

// flushThinking moves the buffer into a new block. Older blocks collapse so
// only the newest stays expanded.
func (s *UIState) flushThinking(collapsed bool) {
	text := strings.TrimSpace(s.thinkingBuf.String())
	s.thinkingBuf.Reset()
	if text == "" {
		return
	}
	for i := range s.thinking {
		s.thinking[i].Collapsed = true
	}
	s.thinking = append(s.thinking, ThinkingBlock{
		ID:        ulid.Make().String(),
		Content:   text,
		Collapsed: collapsed,
	})
}

// CollapseAllThinking forces the open buffer and all prior blocks into
// collapsed form, keeping subsequent tool output visually adjacent to the action.
func (s *UIState) CollapseAllThinking() {
	s.flushThinking(true)
	for i := range s.thinking {
		s.thinking[i].Collapsed = true
	}
}

// StartTool appends a new pending tool entry and returns its id.
func (s *UIState) StartTool(name, detail string) string {
	id := ulid.Make().String()
	s.tools = append(s.tools, ToolState{
		ID:     id,
		Name:   name,
		Status: ToolPending,
		Detail: detail,
	})
	return id
}

// SetToolExecuting transitions the identified tool to executing.
func (s *UIState) SetToolExecuting(id string) {
	for i := range s.tools {
		if s.tools[i].ID == id {
			s.tools[i].Status = ToolExecuting
			return
		}
	}
}

// CompleteTool finds the most recent executing entry with the given name and
// transitions it to completed or error.
func (s *UIState) CompleteTool(name string, success bool, output, changeSummary string) bool {
	for i := len(s.tools) - 1; i >= 0; i-- {
		if s.tools[i].Name != name || s.tools[i].Status != ToolExecuting {
			continue
		}
		if success {
			s.tools[i].Status = ToolCompleted
		} else {
			s.tools[i].Status = ToolError
		}
		s.tools[i].Output = output
		s.tools[i].ChangeSummary = changeSummary
		return true
	}
	return false
}

// Tools returns a copy of the tool states in insertion order.
func (s *UIState) Tools() []ToolState {
	out := make([]ToolState, len(s.tools))
	copy(out, s.tools)
	return out
}

// ThinkingBlocks returns a copy of the flushed thinking blocks.
func (s *UIState) ThinkingBlocks() []ThinkingBlock {
	out := make([]ThinkingBlock, len(s.thinking))
	copy(out, s.thinking)
	return out
}

// SetTodos replaces the task checklist.
func (s *UIState) SetTodos(items []TodoItem) {
	s.todos = make([]TodoItem, len(items))
	copy(s.todos, items)
}

// Finalize marks the state finalized: the open thinking buffer flushes
// collapsed, and the status line and checklist are cleared.
func (s *UIState) Finalize() {
	s.CollapseAllThinking()
	s.StatusLine = ""
	s.todos = nil
	s.Finalized = true
}

// Reset clears everything, for the start of a continuation document.
func (s *UIState) Reset() {
	s.Content = ""
	s.StatusLine = ""
	s.CompletionInfo = ""
	s.CompletionStatus = ""
	s.Finalized = false
	s.tools = nil
	s.thinking = nil
	s.thinkingBuf.Reset()
	s.todos = nil
}

// Render returns the full rendered document: content followed by the overlay.
func (s *UIState) Render() string {
	var b strings.Builder
	b.WriteString(s.Content)
	overlay := s.RenderOverlay()
	if overlay != "" {
		if s.Content != "" && !strings.HasSuffix(s.Content, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(overlay)
	}
	return b.String()
}

// RenderOverlay returns only the non-content portion (thinking, tools, todos,
// completion and status lines), for composing with externally-formatted content.
// Render order is deterministic.
func (s *UIState) RenderOverlay() string {
	var b strings.Builder

	for _, block := range s.thinking {
		if block.Collapsed {
			b.WriteString("▷ 💭 ")
			b.WriteString(truncate(firstLine(block.Content), collapsedPreviewLen))
		} else {
			b.WriteString("💭 ")
			b.WriteString(block.Content)
		}
		b.WriteByte('\n')
	}

	if buf := strings.TrimSpace(s.thinkingBuf.String()); buf != "" {
		b.WriteString("💭 ")
		b.WriteString(truncate(buf, s.thinkingShowCap()))
		b.WriteString("…\n")
	}

	for _, tool := range s.tools {
		b.WriteString(toolIcon(tool.Status))
		b.WriteByte(' ')
		b.WriteString(tool.Name)
		if tool.Detail != "" {
			b.WriteString(" — ")
			b.WriteString(tool.Detail)
		}
		if tool.ChangeSummary != "" {
			b.WriteString(" (")
			b.WriteString(tool.ChangeSummary)
			b.WriteByte(')')
		}
		b.WriteByte('\n')
		if tool.Output != "" && (tool.Status == ToolCompleted || tool.Status == ToolError) {
			b.WriteString("```\n")
			b.WriteString(truncate(tool.Output, s.toolOutputCap()))
			b.WriteString("\n```\n")
		}
	}

	for _, todo := range s.todos {
		if todo.Done {
			b.WriteString("☑ ")
		} else {
			b.WriteString("☐ ")
		}
		b.WriteString(todo.Text)
		b.WriteByte('\n')
	}

	if s.CompletionInfo != "" {
		b.WriteString(s.CompletionInfo)
		b.WriteByte('\n')
	}
	if s.CompletionStatus != "" {
		b.WriteString(s.CompletionStatus)
		b.WriteByte('\n')
	}
	if s.StatusLine != "" {
		b.WriteString(s.StatusLine)
		b.WriteByte('\n')
	}

	return strings.TrimRight(b.String(), "\n")
}

func toolIcon(status ToolStatus) string {
	switch status {
	case ToolPending:
		return "⏳"
	case ToolExecuting:
		return "⚙️"
	case ToolCompleted:
		return "✅"
	default:
		return "❌"
	}
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	// Avoid splitting a multi-byte rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return strings.TrimRight(cut, " ") + "…"
}
