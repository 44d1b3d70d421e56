package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"flowbot/internal/domain"
)

// RPCHandler handles a single RPC method call from a connected client.
type RPCHandler func(ctx context.Context, conn *Conn, payload json.RawMessage) (json.RawMessage, error)

// Server is the WebSocket gateway: it upgrades /ws, registers connections in
// the registry, forwards selected bus channels to clients, and dispatches
// client RPC frames (notably approval responses back into the bus).
type Server struct {
	registry   *Registry
	bus        domain.EventBus
	tokens     map[string]string // token -> client name
	forward    []string          // bus channels forwarded to clients
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	addr       string
	httpSrv    *http.Server
	boundAddr  string
}

// NewServer creates a gateway server. tokens maps static auth tokens to
// client names; forward lists the bus channels delivered to clients.
func NewServer(registry *Registry, bus domain.EventBus, tokens map[string]string, forward []string, addr string, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		bus:      bus,
		tokens:   tokens,
		forward:  forward,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
		addr:     addr,
	}
	s.RegisterHandler("approval.respond", s.handleApprovalRespond)
	s.RegisterHandler("ping", s.handlePing)
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Start begins accepting WebSocket connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	// Forward selected bus channels to connected clients. Events carrying a
	// user/session id are delivered to the matching connections only.
	for _, channel := range s.forward {
		s.bus.Subscribe(channel, "gateway", s.forwardEvent)
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	for _, channel := range s.forward {
		s.bus.Unsubscribe(channel, "gateway")
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) forwardEvent(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Payload: payload}

	userID, _ := event.Data["user_id"].(string)
	sessionID, _ := event.Data["session_id"].(string)
	switch {
	case userID != "" && sessionID != "":
		s.registry.SendToSession(ctx, userID, sessionID, frame)
	case userID != "":
		s.registry.SendToUser(ctx, userID, frame)
	default:
		s.registry.Broadcast(ctx, frame)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	name, ok := s.tokens[token]
	if !ok || token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = name
	}
	sessionID := r.URL.Query().Get("session_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conn := s.registry.Connect(&wsWire{ws: ws}, userID, sessionID)
	s.logger.Info("gateway client connected",
		"conn_id", conn.ID, "client", name, "user_id", userID, "session_id", sessionID)

	// Read loop (blocking).
	s.readLoop(r.Context(), ws, conn)

	s.registry.Disconnect(conn)
	s.logger.Info("gateway client disconnected", "conn_id", conn.ID)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return // connection closed or error
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, conn, frame)
	}
}

func (s *Server) dispatchRPC(ctx context.Context, conn *Conn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(ctx, conn, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}

	result, err := handler(ctx, conn, req.Payload)
	s.sendResponse(ctx, conn, req.ID, result, err)
}

func (s *Server) sendResponse(ctx context.Context, conn *Conn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if werr := conn.wire.Send(ctx, resp); werr != nil {
		s.logger.Warn("gateway: dropped RPC response", "frame_id", id, "error", werr)
	}
}

// approvalRespondRequest is the payload of the "approval.respond" RPC.
type approvalRespondRequest struct {
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response"`
}

// handleApprovalRespond feeds a client's decision into the bus. Only the first
// responder for a request wins; everyone else gets accepted=false.
func (s *Server) handleApprovalRespond(_ context.Context, conn *Conn, payload json.RawMessage) (json.RawMessage, error) {
	var req approvalRespondRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, domain.ErrRPCInvalidPayload
	}
	if req.RequestID == "" {
		return nil, domain.ErrRPCInvalidPayload
	}

	accepted := s.bus.Respond(req.RequestID, req.Response, conn.UserID)
	return json.Marshal(map[string]bool{"accepted": accepted})
}

func (s *Server) handlePing(_ context.Context, conn *Conn, _ json.RawMessage) (json.RawMessage, error) {
	conn.MarkPing()
	return json.Marshal(map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})
}

// wsWire adapts a websocket connection to the registry's Wire interface.
type wsWire struct {
	ws *websocket.Conn
}

func (w *wsWire) Send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, w.ws, v)
}

func (w *wsWire) Close() error {
	return w.ws.Close(websocket.StatusNormalClosure, "")
}
