package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"flowbot/internal/domain"
)

// Bot-API-wide limits. Telegram allows roughly 30 messages per second per bot;
// per-chat edit pacing is the update coordinator's job, not this adapter's.
const (
	globalSendRate  = rate.Limit(30)
	globalSendBurst = 5
)

// TelegramOption configures the Telegram adapter.
type TelegramOption func(*Telegram)

// WithTelegramBaseURL overrides the Bot API base URL (tests).
func WithTelegramBaseURL(url string) TelegramOption {
	return func(t *Telegram) { t.baseURL = url }
}

// WithTelegramMentionOnly enables mention-only filtering in groups.
func WithTelegramMentionOnly(v bool) TelegramOption {
	return func(t *Telegram) { t.mentionOnly = v }
}

// Telegram implements domain.MessageTransport against the Telegram Bot API
// and delivers inbound messages and button presses via long-polling.
type Telegram struct {
	token       string
	logger      *slog.Logger
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[[]byte]
	baseURL     string
	offset      int64
	done        chan struct{}
	handler     domain.MessageHandler
	buttons     domain.ButtonHandler
	botUsername string
	mentionOnly bool
}

// NewTelegram creates a Telegram transport adapter.
func NewTelegram(token string, logger *slog.Logger, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:   token,
		logger:  logger,
		baseURL: "https://api.telegram.org",
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(globalSendRate, globalSendBurst),
		done:    make(chan struct{}),
	}
	t.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	for _, o := range opts {
		o(t)
	}
	return t
}

// Name identifies the transport.
func (t *Telegram) Name() string { return "telegram" }

// --- domain.MessageTransport ---

// Send creates a new message and returns its document ref.
func (t *Telegram) Send(ctx context.Context, chatID, text string, mode domain.ParseMode, markup domain.Markup) (domain.DocumentRef, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if mode != domain.ModePlain {
		payload["parse_mode"] = string(mode)
	}
	if markup != nil {
		payload["reply_markup"] = inlineKeyboard(markup)
	}

	body, err := t.apiCall(ctx, "sendMessage", payload)
	if err != nil {
		return domain.DocumentRef{}, domain.WrapOp("telegram.Send", err)
	}

	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.DocumentRef{}, domain.WrapOp("telegram.Send", err)
	}
	if !resp.OK {
		return domain.DocumentRef{}, domain.NewDomainError("telegram.Send", domain.ErrTransportFailure, string(body))
	}
	return domain.DocumentRef{ChatID: chatID, MessageID: resp.Result.MessageID}, nil
}

// Edit replaces the content of an existing message. API failures are
// classified into the edit-result variants the coordinator handles.
func (t *Telegram) Edit(ctx context.Context, ref domain.DocumentRef, text string, mode domain.ParseMode, markup domain.Markup) domain.EditResult {
	payload := map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
	}
	if mode != domain.ModePlain {
		payload["parse_mode"] = string(mode)
	}
	if markup != nil {
		payload["reply_markup"] = inlineKeyboard(markup)
	}

	body, err := t.apiCall(ctx, "editMessageText", payload)
	if err != nil {
		return domain.EditResult{Status: domain.EditFailed, Err: err}
	}
	return classifyEditResponse(body)
}

// Delete removes a message. A message that is already gone is not an error.
func (t *Telegram) Delete(ctx context.Context, ref domain.DocumentRef) error {
	payload := map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
	}
	body, err := t.apiCall(ctx, "deleteMessage", payload)
	if err != nil {
		return domain.WrapOp("telegram.Delete", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.WrapOp("telegram.Delete", err)
	}
	if !resp.OK && !strings.Contains(resp.Description, "message to delete not found") {
		return domain.NewDomainError("telegram.Delete", domain.ErrTransportFailure, resp.Description)
	}
	return nil
}

// apiResponse is the Bot API envelope for error classification.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int64 `json:"retry_after"`
	} `json:"parameters"`
}

// classifyEditResponse maps a Bot API editMessageText response onto the
// edit-result variants.
func classifyEditResponse(body []byte) domain.EditResult {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.EditResult{Status: domain.EditFailed, Err: err}
	}
	if resp.OK {
		return domain.EditResult{Status: domain.EditOK}
	}

	desc := strings.ToLower(resp.Description)
	switch {
	case resp.ErrorCode == http.StatusTooManyRequests:
		wait := 5 * time.Second
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			wait = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		return domain.EditResult{Status: domain.EditRateLimited, RetryAfter: wait}

	case strings.Contains(desc, "message is not modified"):
		return domain.EditResult{Status: domain.EditUnchanged}

	case strings.Contains(desc, "message to edit not found"),
		strings.Contains(desc, "message can't be edited"),
		strings.Contains(desc, "chat not found"):
		return domain.EditResult{Status: domain.EditGone}

	case strings.Contains(desc, "can't parse entities"),
		strings.Contains(desc, "unsupported start tag"),
		strings.Contains(desc, "can't find end of the entity"):
		return domain.EditResult{
			Status: domain.EditMalformed,
			Err:    domain.NewDomainError("telegram.Edit", domain.ErrInvalidInput, resp.Description),
		}

	default:
		return domain.EditResult{
			Status: domain.EditFailed,
			Err:    domain.NewDomainError("telegram.Edit", domain.ErrTransportFailure, resp.Description),
		}
	}
}

// apiCall posts a JSON payload to a Bot API method through the global rate
// limiter and the circuit breaker. HTTP 4xx bodies are returned (not errors)
// so callers can classify them; transport and 5xx failures count against the
// breaker.
func (t *Telegram) apiCall(ctx context.Context, method string, payload any) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return t.breaker.Execute(func() ([]byte, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("telegram API error %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	})
}

// inlineKeyboard converts markup to the Bot API inline keyboard shape.
func inlineKeyboard(markup domain.Markup) map[string]any {
	rows := make([][]map[string]string, 0, len(markup))
	for _, row := range markup {
		cells := make([]map[string]string, 0, len(row))
		for _, btn := range row {
			cells = append(cells, map[string]string{
				"text":          btn.Text,
				"callback_data": btn.Data,
			})
		}
		rows = append(rows, cells)
	}
	return map[string]any{"inline_keyboard": rows}
}

// --- inbound long-polling ---

// Start begins long-polling for updates. Non-blocking (polls in a goroutine).
// handler receives text messages; buttons receives callback-query presses.
func (t *Telegram) Start(ctx context.Context, handler domain.MessageHandler, buttons domain.ButtonHandler) error {
	t.handler = handler
	t.buttons = buttons

	if me, err := t.getMe(ctx); err == nil {
		t.botUsername = me
		t.logger.Info("telegram bot identified", "username", me)
	} else {
		t.logger.Warn("telegram getMe failed, mention detection disabled", "error", err)
	}

	go t.pollLoop(ctx)
	t.logger.Info("telegram transport started")
	return nil
}

// Stop signals the polling loop to stop.
func (t *Telegram) Stop(_ context.Context) error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return nil
}

func (t *Telegram) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
			updates, err := t.getUpdates(ctx)
			if err != nil {
				t.logger.Warn("telegram getUpdates failed", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}
			for _, u := range updates {
				if u.UpdateID >= t.offset {
					t.offset = u.UpdateID + 1
				}
				t.handleUpdate(ctx, u)
			}
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, u telegramUpdate) {
	if u.CallbackQuery != nil {
		t.handleCallback(ctx, u.CallbackQuery)
		return
	}
	if u.Message == nil || u.Message.Text == "" {
		return
	}

	msg := u.Message
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	isGroup := msg.Chat.Type != "" && msg.Chat.Type != "private"
	isMention := t.hasBotMention(msg)

	// Mention gating: skip non-mentioned group messages when mentionOnly.
	if t.mentionOnly && isGroup && !isMention {
		return
	}

	inbound := domain.InboundMessage{
		ChatID:    chatID,
		Content:   msg.Text,
		IsGroup:   isGroup,
		IsMention: isMention,
	}
	if msg.From != nil {
		inbound.SenderID = strconv.FormatInt(msg.From.ID, 10)
		name := msg.From.FirstName
		if msg.From.LastName != "" {
			name += " " + msg.From.LastName
		}
		inbound.SenderName = name
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyToID = strconv.FormatInt(msg.ReplyToMessage.MessageID, 10)
	}

	if t.handler == nil {
		return
	}
	if err := t.handler(ctx, inbound); err != nil {
		t.logger.Error("telegram handler error", "error", err, "chat_id", chatID)
	}
}

func (t *Telegram) handleCallback(ctx context.Context, cb *telegramCallbackQuery) {
	// Acknowledge the press so the client stops its spinner.
	_, _ = t.apiCall(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": cb.ID})

	if t.buttons == nil {
		return
	}
	press := domain.ButtonPress{
		SenderID: strconv.FormatInt(cb.From.ID, 10),
		Data:     cb.Data,
	}
	if cb.Message != nil {
		press.ChatID = strconv.FormatInt(cb.Message.Chat.ID, 10)
	}
	if err := t.buttons(ctx, press); err != nil {
		t.logger.Error("telegram button handler error", "error", err, "data", cb.Data)
	}
}

// hasBotMention checks if any entity in the message mentions the bot.
func (t *Telegram) hasBotMention(msg *telegramMessage) bool {
	if t.botUsername == "" {
		return false
	}
	for _, e := range msg.Entities {
		if e.Type == "mention" {
			end := e.Offset + e.Length
			if end <= int64(len(msg.Text)) {
				mention := msg.Text[e.Offset:end]
				if strings.EqualFold(mention, "@"+t.botUsername) {
					return true
				}
			}
		}
	}
	return false
}

// --- Telegram Bot API types ---

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type telegramEntity struct {
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type telegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	Message       *telegramMessage       `json:"message"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query"`
}

type telegramMessage struct {
	MessageID      int64              `json:"message_id"`
	From           *telegramUser      `json:"from,omitempty"`
	Chat           telegramChat       `json:"chat"`
	Text           string             `json:"text"`
	ReplyToMessage *telegramReplyInfo `json:"reply_to_message,omitempty"`
	Entities       []telegramEntity   `json:"entities,omitempty"`
}

type telegramCallbackQuery struct {
	ID      string           `json:"id"`
	From    telegramUser     `json:"from"`
	Message *telegramMessage `json:"message,omitempty"`
	Data    string           `json:"data"`
}

type telegramReplyInfo struct {
	MessageID int64 `json:"message_id"`
}

type telegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type telegramUpdateResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

type telegramGetMeResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Username string `json:"username"`
	} `json:"result"`
}

func (t *Telegram) getMe(ctx context.Context) (string, error) {
	body, err := t.apiCall(ctx, "getMe", map[string]any{})
	if err != nil {
		return "", err
	}

	var result telegramGetMeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	if !result.OK || result.Result.Username == "" {
		return "", fmt.Errorf("getMe returned ok=%v username=%q", result.OK, result.Result.Username)
	}
	return result.Result.Username, nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	body, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":  t.offset,
		"timeout": 30,
	})
	if err != nil {
		return nil, err
	}

	var result telegramUpdateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}
	return result.Result, nil
}
