package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"flowbot/internal/adapter/channel"
	"flowbot/internal/adapter/gateway"
	"flowbot/internal/domain"
	"flowbot/internal/infra/config"
	"flowbot/internal/infra/logger"
	"flowbot/internal/infra/tracer"
	"flowbot/internal/usecase/eventbus"
	"flowbot/internal/usecase/streaming"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`flowbot - streaming chat transport daemon

USAGE:
    flowbot [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: FLOWBOT_* variables override config`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("FLOWBOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("config: telegram.token is required (set FLOWBOT_TELEGRAM_TOKEN)")
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Transport & coordinator
	telegram := channel.NewTelegram(cfg.Telegram.Token, log,
		channel.WithTelegramMentionOnly(cfg.Telegram.MentionOnly))
	coord := streaming.NewCoordinator(telegram, streaming.CoordinatorConfig{
		MinInterval:  cfg.Streaming.MinInterval,
		MaxRetryWait: cfg.Streaming.MaxRetryWait,
	}, log)

	// 5. Stream consumer: bus events drive per-chat streaming sessions.
	streamer := newStreamer(coord, telegram, bus, cfg.Streaming, log)
	streamer.subscribe()

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 7. Gateway (optional)
	if cfg.Gateway.Enabled {
		tokens := make(map[string]string, len(cfg.Gateway.Tokens))
		for _, tok := range cfg.Gateway.Tokens {
			tokens[tok.Token] = tok.Name
		}
		registry := gateway.NewRegistry(log)
		srv := gateway.NewServer(registry, bus, tokens, cfg.Gateway.Forward, cfg.Gateway.Addr, log)
		srv.RegisterHandler("event.publish", publishHandler(bus))
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}

	// 8. Inbound handlers
	inbound := func(ctx context.Context, msg domain.InboundMessage) error {
		bus.Publish(ctx, domain.ChanMessageReceived, map[string]any{
			"chat_id":     msg.ChatID,
			"content":     msg.Content,
			"sender_id":   msg.SenderID,
			"sender_name": msg.SenderName,
			"is_group":    msg.IsGroup,
			"is_mention":  msg.IsMention,
		})
		return nil
	}
	buttons := buttonHandler(bus, log)

	// 9. Start
	log.Info("flowbot starting",
		"min_interval", cfg.Streaming.MinInterval,
		"max_document_len", cfg.Streaming.MaxDocumentLen,
		"gateway", cfg.Gateway.Enabled,
	)

	if err := telegram.Start(ctx, inbound, buttons); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer telegram.Stop(context.Background())

	<-ctx.Done()
	log.Info("flowbot stopped")
	return nil
}

// publishHandler lets gateway clients inject events into the bus, e.g. stream
// deltas produced by an external agent process.
func publishHandler(bus domain.EventBus) gateway.RPCHandler {
	return func(ctx context.Context, _ *gateway.Conn, payload json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Channel string         `json:"channel"`
			Data    map[string]any `json:"data"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.Channel == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		bus.Publish(ctx, req.Channel, req.Data)
		return json.Marshal(map[string]bool{"published": true})
	}
}

// buttonHandler resolves pending approval requests from inline button presses.
// Button data is "approve:<request_id>" or "deny:<request_id>".
func buttonHandler(bus domain.EventBus, log *slog.Logger) domain.ButtonHandler {
	return func(_ context.Context, press domain.ButtonPress) error {
		choice, requestID, ok := strings.Cut(press.Data, ":")
		if !ok {
			log.Debug("ignoring button press with unknown data", "data", press.Data)
			return nil
		}
		accepted := bus.Respond(requestID, map[string]any{
			"approved": choice == "approve",
			"choice":   choice,
		}, press.SenderID)
		if !accepted {
			log.Debug("approval already resolved", "request_id", requestID)
		}
		return nil
	}
}

// streamer maps stream events onto per-chat sessions and posts approval
// prompts into the chat.
type streamer struct {
	mu        sync.Mutex
	sessions  map[string]*streaming.Session
	coord     *streaming.Coordinator
	transport domain.MessageTransport
	bus       domain.EventBus
	cfg       config.StreamingConfig
	logger    *slog.Logger
}

func newStreamer(coord *streaming.Coordinator, transport domain.MessageTransport, bus domain.EventBus, cfg config.StreamingConfig, logger *slog.Logger) *streamer {
	return &streamer{
		sessions:  make(map[string]*streaming.Session),
		coord:     coord,
		transport: transport,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *streamer) subscribe() {
	s.bus.Subscribe(domain.ChanStreamStarted, "streamer", s.onStarted)
	s.bus.Subscribe(domain.ChanStreamDelta, "streamer", s.onDelta)
	s.bus.Subscribe(domain.ChanStreamCompleted, "streamer", s.onCompleted)
}

func (s *streamer) session(chatID string) *streaming.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatID]
	if !ok {
		sess = streaming.NewSession(s.coord, chatID, streaming.SessionConfig{
			MaxDocumentLen:    s.cfg.MaxDocumentLen,
			TailCarryFraction: s.cfg.TailCarryFraction,
			TailCarryMax:      s.cfg.TailCarryMax,
		}, s.logger)
		s.sessions[chatID] = sess
		s.bus.Subscribe(domain.ChanApprovalPrefix+chatID, "streamer", s.onApproval)
	}
	return sess
}

func (s *streamer) drop(chatID string) {
	s.mu.Lock()
	delete(s.sessions, chatID)
	s.mu.Unlock()
	s.bus.Unsubscribe(domain.ChanApprovalPrefix+chatID, "streamer")
}

// onApproval posts the approval question into the chat with one inline button
// per option. The button data carries "<choice>:<request id>", which the
// button handler feeds back into the bus.
func (s *streamer) onApproval(ctx context.Context, event domain.Event) {
	chatID := strings.TrimPrefix(event.Channel, domain.ChanApprovalPrefix)
	requestID, _ := event.Data["request_id"].(string)
	question, _ := event.Data["question"].(string)
	if requestID == "" || question == "" {
		return
	}

	var options []string
	switch v := event.Data["options"].(type) {
	case []string:
		options = v
	case []any: // events arriving through the gateway decode as []any
		for _, o := range v {
			if opt, ok := o.(string); ok {
				options = append(options, opt)
			}
		}
	}
	if len(options) == 0 {
		options = []string{"approve", "deny"}
	}
	row := make([]domain.Button, 0, len(options))
	for _, opt := range options {
		if opt == "" {
			continue
		}
		row = append(row, domain.Button{
			Text: strings.ToUpper(opt[:1]) + opt[1:],
			Data: opt + ":" + requestID,
		})
	}

	if _, err := s.transport.Send(ctx, chatID, question, domain.ModePlain, domain.Markup{row}); err != nil {
		s.logger.Error("approval prompt failed", "chat_id", chatID, "error", err)
	}
}

func (s *streamer) onStarted(ctx context.Context, event domain.Event) {
	chatID, _ := event.Data["chat_id"].(string)
	if chatID == "" {
		return
	}
	placeholder, _ := event.Data["placeholder"].(string)
	if placeholder == "" {
		placeholder = "…"
	}
	if err := s.session(chatID).Start(ctx, placeholder); err != nil {
		s.logger.Error("stream start failed", "chat_id", chatID, "error", err)
	}
}

func (s *streamer) onDelta(ctx context.Context, event domain.Event) {
	chatID, _ := event.Data["chat_id"].(string)
	if chatID == "" {
		return
	}
	sess := s.session(chatID)

	var err error
	switch {
	case event.Data["thinking"] != nil:
		text, _ := event.Data["thinking"].(string)
		err = sess.AddThinking(ctx, text)
	case event.Data["status"] != nil:
		text, _ := event.Data["status"].(string)
		err = sess.SetStatus(ctx, text)
	case event.Data["tool"] != nil:
		err = s.applyToolDelta(ctx, sess, event.Data)
	default:
		text, _ := event.Data["text"].(string)
		if text == "" {
			return
		}
		err = sess.Append(ctx, text)
	}
	if err != nil {
		s.logger.Error("stream delta failed", "chat_id", chatID, "error", err)
	}
}

func (s *streamer) applyToolDelta(ctx context.Context, sess *streaming.Session, data map[string]any) error {
	name, _ := data["tool"].(string)
	if done, _ := data["done"].(bool); done {
		success, _ := data["success"].(bool)
		output, _ := data["output"].(string)
		summary, _ := data["summary"].(string)
		return sess.ShowToolResult(ctx, name, success, output, summary)
	}
	detail, _ := data["detail"].(string)
	return sess.ShowToolUse(ctx, name, detail)
}

func (s *streamer) onCompleted(ctx context.Context, event domain.Event) {
	chatID, _ := event.Data["chat_id"].(string)
	if chatID == "" {
		return
	}
	finalText, _ := event.Data["final_text"].(string)
	sess := s.session(chatID)
	if err := sess.Finalize(ctx, finalText); err != nil {
		s.logger.Error("stream finalize failed", "chat_id", chatID, "error", err)
	}
	s.drop(chatID)

	// Let the finalizing edit settle before evicting coordinator state.
	ref := sess.Ref()
	go func() {
		time.Sleep(30 * time.Second)
		s.coord.Cleanup(ref)
	}()
}
